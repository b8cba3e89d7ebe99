package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/config"
)

// PKIConfig is the configuration shared by every serverpki subcommand. The
// section names follow the historic serverpki configuration file.
type PKIConfig struct {
	ServerPKI struct {
		Pathes    PathesConfig   `json:"pathes" yaml:"pathes"`
		X509Atts  X509AttsConfig `json:"x509atts" yaml:"x509atts"`
		DBAccount DBConfig       `json:"dbAccount" yaml:"dbAccount"`
		Misc      MiscConfig     `json:"misc" yaml:"misc"`
		SMTP      *SMTPConfig    `json:"smtp,omitempty" yaml:"smtp,omitempty"`
	} `json:"serverpki" yaml:"serverpki"`

	Syslog blog.Config `json:"syslog" yaml:"syslog"`
}

// PathesConfig holds filesystem locations.
type PathesConfig struct {
	// CACertFiles and CAKeyFiles list the local CAs, oldest first. The two
	// lists are parallel: CAKeyFiles[i] is the key of CACertFiles[i].
	CACertFiles []string `yaml:"caCertFiles" validate:"dive,required"`
	CAKeyFiles  []string `yaml:"caKeyFiles" validate:"dive,required"`

	// DBEncryptionKeyFile holds the passphrase protecting keys at rest. When
	// empty the passphrase is prompted for on the terminal.
	DBEncryptionKeyFile string `yaml:"dbEncryptionKeyFile"`

	// ACMEAccountFile holds the ACME account key as a JWK together with the
	// account URL. It is created on first use.
	ACMEAccountFile string `yaml:"acmeAccountFile"`

	ZoneFileRoot    string `yaml:"zoneFileRoot"`
	ZoneIncludeName string `yaml:"zoneIncludeName"`
	// ZoneFileName names the zone file in each zone directory, "{}" being
	// the zone. Its SOA serial is advanced whenever a zone is reloaded.
	ZoneFileName string `yaml:"zoneFileName"`
	DDNSKeyFile  string `yaml:"ddnsKeyFile"`
	// WorkTLSA is the work directory TLSA material is staged in. It defaults
	// to ZoneFileRoot.
	WorkTLSA string `yaml:"workTLSA"`
	// JailRoot is prefixed to the path of every place that names a jail.
	JailRoot string `yaml:"jailRoot"`
}

// SubjectNames are the fixed subject name attributes of locally issued
// certificates.
type SubjectNames struct {
	C  string `yaml:"c" validate:"omitempty,len=2"`
	ST string `yaml:"st"`
	L  string `yaml:"l"`
	O  string `yaml:"o"`
	OU string `yaml:"ou"`
}

// X509AttsConfig holds the attributes of locally issued certificates.
type X509AttsConfig struct {
	Lifetime config.Duration `yaml:"lifetime" validate:"-"`
	Bits     int             `yaml:"bits" validate:"omitempty,oneof=2048 3072 4096"`
	ECCurve  string          `yaml:"ecCurve" validate:"omitempty,oneof=P-256 P-384"`
	Names    SubjectNames    `yaml:"names"`

	Extensions struct {
		CRLURL    string `yaml:"crlURL" validate:"omitempty,url"`
		OCSPURL   string `yaml:"ocspURL" validate:"omitempty,url"`
		IssuerURL string `yaml:"issuerURL" validate:"omitempty,url"`
	} `yaml:"extensions"`
}

// RedisConfig selects the Redis lock instead of the MySQL one.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Username string `yaml:"username"`
	// PasswordFile is optional for Redis.
	PasswordFile string `yaml:"passwordFile"`
	DB           int    `yaml:"db" validate:"min=0"`
}

// Pass returns the Redis password, or the empty string.
func (rc *RedisConfig) Pass() (string, error) {
	if rc.PasswordFile == "" {
		return "", nil
	}
	return (&PasswordConfig{PasswordFile: rc.PasswordFile}).Pass()
}

// S3Config configures the client used by places with target "s3".
// Credentials come from the usual AWS sources.
type S3Config struct {
	Region       string `yaml:"region" validate:"required"`
	Endpoint     string `yaml:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

// MiscConfig holds everything else.
type MiscConfig struct {
	ACMEServer        string `json:"acmeServer" yaml:"acmeServer" validate:"omitempty,url"`
	RegistrationEmail string `yaml:"registrationEmail" validate:"omitempty,email"`
	// LEZoneUpdateMethod selects how DNS-01 challenges are published.
	LEZoneUpdateMethod string `json:"leZoneUpdateMethod" yaml:"leZoneUpdateMethod" validate:"required,oneof=ddns zone_file"`

	LocalCAKeySize  int             `yaml:"localCAKeySize" validate:"omitempty,oneof=2048 3072 4096"`
	LocalCALifetime config.Duration `yaml:"localCALifetime" validate:"-"`

	PrePublishDays       int `yaml:"prePublishDays" validate:"min=0"`
	LocalIssueMailDays   int `yaml:"localIssueMailDays" validate:"min=0"`
	RenewalThresholdDays int `yaml:"renewalThresholdDays" validate:"min=0"`

	Parallelism    int             `yaml:"parallelism" validate:"min=0,max=64"`
	Patience       config.Duration `yaml:"patience" validate:"-"`
	PollInterval   config.Duration `yaml:"pollInterval" validate:"-"`
	MaxPoll        config.Duration `yaml:"maxPoll" validate:"-"`
	PublishRetries int             `yaml:"publishRetries" validate:"min=0,max=10"`

	// DDNSServer is the primary name server updates are sent to.
	DDNSServer string `json:"ddnsServer" yaml:"ddnsServer" validate:"omitempty,hostname_port"`
	// PropagationServer, when set, is queried for the challenge TXT record
	// before a challenge is accepted.
	PropagationServer string `yaml:"propagationServer" validate:"omitempty,hostname_port"`

	ZoneReloadCommand string `yaml:"zoneReloadCommand"`
	ZoneFileMode      string `yaml:"zoneFileMode" validate:"omitempty,numeric"`
	ZoneFileUID       *int   `yaml:"zoneFileUID"`
	ZoneFileGID       *int   `yaml:"zoneFileGID"`

	LogFacility string `yaml:"logFacility" validate:"omitempty,oneof=daemon user local0 local1 local2 local3 local4 local5 local6 local7"`

	LockRedis *RedisConfig `json:"lockRedis,omitempty" yaml:"lockRedis,omitempty"`
	S3        *S3Config    `json:"s3,omitempty" yaml:"s3,omitempty"`

	// MetricsTextfile, when set, receives the metrics of the run in the
	// node_exporter textfile format.
	MetricsTextfile string `yaml:"metricsTextfile"`
}

// FileMode parses ZoneFileMode as an octal mode, defaulting to 0644.
func (m *MiscConfig) FileMode() (os.FileMode, error) {
	if m.ZoneFileMode == "" {
		return 0o644, nil
	}
	mode, err := strconv.ParseUint(m.ZoneFileMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing zoneFileMode %q: %w", m.ZoneFileMode, err)
	}
	return os.FileMode(mode), nil
}

// Owner returns the uid and gid zone files are written with. -1 leaves the
// value unchanged.
func (m *MiscConfig) Owner() (int, int) {
	uid, gid := -1, -1
	if m.ZoneFileUID != nil {
		uid = *m.ZoneFileUID
	}
	if m.ZoneFileGID != nil {
		gid = *m.ZoneFileGID
	}
	return uid, gid
}

// DBConfig defines how to connect to a database. The connect string may be
// stored in a file separate from the config, because it can contain a password,
// which we want to keep out of configs.
type DBConfig struct {
	// A connect string for the DB, in the go-sql-driver/mysql DSN format.
	DBConnect string `json:"dbConnect" yaml:"dbConnect" validate:"required_without=DBConnectFile"`
	// A file containing a connect string for the DB.
	DBConnectFile string `json:"dbConnectFile" yaml:"dbConnectFile" validate:"required_without=DBConnect"`

	MaxOpenConns    int             `yaml:"maxOpenConns" validate:"min=0"`
	MaxIdleConns    int             `yaml:"maxIdleConns" validate:"min=0"`
	ConnMaxLifetime config.Duration `yaml:"connMaxLifetime" validate:"-"`
}

// URL returns the DBConnect URL represented by this DBConfig object, either
// loading it from disk or returning a default value. Leading and trailing
// whitespace is stripped.
func (d *DBConfig) URL() (string, error) {
	if d.DBConnectFile != "" {
		url, err := os.ReadFile(d.DBConnectFile)
		return strings.TrimSpace(string(url)), err
	}
	return d.DBConnect, nil
}

// PasswordConfig contains a path to a file containing a password.
type PasswordConfig struct {
	PasswordFile string `yaml:"passwordFile" validate:"required"`
}

// Pass returns a password, extracted from the PasswordConfig's PasswordFile
func (pc *PasswordConfig) Pass() (string, error) {
	contents, err := os.ReadFile(pc.PasswordFile)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(contents), "\n"), nil
}

// SMTPConfig configures the reminder mail.
type SMTPConfig struct {
	PasswordConfig `yaml:",inline"`
	Server         string   `yaml:"server" validate:"required"`
	Port           string   `yaml:"port" validate:"required,numeric,min=1,max=5"`
	Username       string   `yaml:"username" validate:"required"`
	From           string   `yaml:"from" validate:"required"`
	To             []string `yaml:"to" validate:"min=1,dive,email"`
}
