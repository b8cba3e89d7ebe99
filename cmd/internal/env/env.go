// Package env builds the collaborators the serverpki subcommands share out
// of a cmd.PKIConfig.
package env

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	netmail "net/mail"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsl "github.com/aws/smithy-go/logging"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/serverpki/serverpki/acmeclient"
	"github.com/serverpki/serverpki/authz"
	"github.com/serverpki/serverpki/bdns"
	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/ca"
	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/config"
	"github.com/serverpki/serverpki/db"
	"github.com/serverpki/serverpki/distributor"
	"github.com/serverpki/serverpki/issuance"
	"github.com/serverpki/serverpki/keystore"
	"github.com/serverpki/serverpki/lock"
	"github.com/serverpki/serverpki/mail"
	"github.com/serverpki/serverpki/publisher"
	"github.com/serverpki/serverpki/sa"
)

const (
	lockWait     = 10 * time.Second
	redisLockTTL = 30 * time.Minute
	dnsTimeout   = 10 * time.Second
	dnsTries     = 3
	acmeTimeout  = 30 * time.Second
)

// Env holds what every subcommand needs once the config is loaded.
type Env struct {
	Config *cmd.PKIConfig
	Stats  *prometheus.Registry
	Logger *slog.Logger
	Clock  clock.Clock
	DB     *db.WrappedMap
	SA     *sa.SQLStorageAuthority
}

// Load reads and validates the config file, sets up logging and metrics and
// connects to the database. The returned context carries the logger.
func Load(ctx context.Context, configFile, tag string) (context.Context, *Env) {
	cv := &cmd.ConfigValidator{Config: &cmd.PKIConfig{}}
	err := cmd.ValidateConfig(cv, configFile)
	cmd.FailOnError(err, "Reading config file")
	c := cv.Config.(*cmd.PKIConfig)

	logConf := c.Syslog
	if logConf.Facility == "" {
		logConf.Facility = c.ServerPKI.Misc.LogFacility
	}
	stats, logger := cmd.StatsAndLogging(logConf, tag)
	ctx = blog.NewContext(ctx, logger)
	blog.Info(ctx, cmd.VersionString())

	dbMap, err := sa.InitWrappedDb(c.ServerPKI.DBAccount, stats)
	cmd.FailOnError(err, "Connecting to database")

	clk := cmd.Clock()
	return ctx, &Env{
		Config: c,
		Stats:  stats,
		Logger: logger,
		Clock:  clk,
		DB:     dbMap,
		SA:     sa.NewSQLStorageAuthority(dbMap, clk),
	}
}

// Close releases the database connection.
func (e *Env) Close() {
	_ = e.DB.Db().Close()
}

// Locker returns the Redis lock when one is configured and the MySQL named
// lock otherwise.
func (e *Env) Locker() (lock.Locker, error) {
	rc := e.Config.ServerPKI.Misc.LockRedis
	if rc == nil {
		return lock.NewMySQL(e.DB.Db(), lock.Name, lockWait), nil
	}
	password, err := rc.Pass()
	if err != nil {
		return nil, fmt.Errorf("loading redis password: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Username: rc.Username,
		Password: password,
		DB:       rc.DB,
	})
	return lock.NewRedis(client, lock.Name, redisLockTTL, lockWait, e.Clock), nil
}

// Passphrase reads the key store passphrase from the configured file, or
// prompts for it.
func (e *Env) Passphrase() ([]byte, error) {
	return keystore.ReadPassphrase(e.Config.ServerPKI.Pathes.DBEncryptionKeyFile)
}

// KeyStore returns a key store. The passphrase is only asked for when the
// stored keys are encrypted.
func (e *Env) KeyStore(ctx context.Context) (*keystore.Store, error) {
	rev, err := e.SA.GetRevision(ctx)
	if err != nil {
		return nil, err
	}
	if !rev.KeysEncrypted {
		return keystore.New(e.SA, nil), nil
	}
	pass, err := e.Passphrase()
	if err != nil {
		return nil, err
	}
	return keystore.New(e.SA, pass), nil
}

// Profile returns the issuance profile of locally issued certificates.
func (e *Env) Profile() (*issuance.Profile, error) {
	x := e.Config.ServerPKI.X509Atts
	return issuance.NewProfile(issuance.ProfileConfig{
		Lifetime:           x.Lifetime.Duration,
		Country:            x.Names.C,
		Province:           x.Names.ST,
		Locality:           x.Names.L,
		Organization:       x.Names.O,
		OrganizationalUnit: x.Names.OU,
		CRLURL:             x.Extensions.CRLURL,
		OCSPURL:            x.Extensions.OCSPURL,
		IssuerURL:          x.Extensions.IssuerURL,
	})
}

// CA loads the configured local CAs into a registry.
func (e *Env) CA(ctx context.Context) (*ca.Registry, error) {
	profile, err := e.Profile()
	if err != nil {
		return nil, err
	}
	p := e.Config.ServerPKI.Pathes
	return ca.New(ctx, e.SA, p.CACertFiles, p.CAKeyFiles, profile, e.Clock)
}

func (e *Env) zoneFileConfig(root string) (publisher.ZoneFileConfig, error) {
	misc := e.Config.ServerPKI.Misc
	mode, err := misc.FileMode()
	if err != nil {
		return publisher.ZoneFileConfig{}, err
	}
	uid, gid := misc.Owner()
	return publisher.ZoneFileConfig{
		Root:          root,
		IncludeName:   e.Config.ServerPKI.Pathes.ZoneIncludeName,
		ZoneFileName:  e.Config.ServerPKI.Pathes.ZoneFileName,
		Mode:          mode,
		UID:           uid,
		GID:           gid,
		ReloadCommand: misc.ZoneReloadCommand,
		Clock:         e.Clock,
	}, nil
}

// TLSAWriter returns the writer of TLSA records. They are staged in
// WorkTLSA, or in the zone file root when that is unset.
func (e *Env) TLSAWriter() (*publisher.TLSAWriter, error) {
	p := e.Config.ServerPKI.Pathes
	root := p.WorkTLSA
	if root == "" {
		root = p.ZoneFileRoot
	}
	if root == "" {
		return nil, nil
	}
	cfg, err := e.zoneFileConfig(root)
	if err != nil {
		return nil, err
	}
	if root != p.ZoneFileRoot {
		// Staged records are not next to the zone files.
		cfg.ZoneFileName = ""
	}
	return publisher.NewTLSAWriter(cfg), nil
}

// challengePublisher returns the publisher selected by leZoneUpdateMethod.
func (e *Env) challengePublisher() (publisher.Publisher, error) {
	misc := e.Config.ServerPKI.Misc
	switch misc.LEZoneUpdateMethod {
	case "ddns":
		if misc.DDNSServer == "" {
			return nil, errors.New("leZoneUpdateMethod ddns needs ddnsServer")
		}
		key, err := publisher.LoadTSIGKey(e.Config.ServerPKI.Pathes.DDNSKeyFile)
		if err != nil {
			return nil, err
		}
		zones, err := bdns.New(dnsTimeout, []string{misc.DDNSServer}, e.Stats, e.Clock, dnsTries)
		if err != nil {
			return nil, err
		}
		return publisher.NewDDNS(misc.DDNSServer, key, zones, dnsTimeout, e.Clock), nil
	case "zone_file":
		cfg, err := e.zoneFileConfig(e.Config.ServerPKI.Pathes.ZoneFileRoot)
		if err != nil {
			return nil, err
		}
		return publisher.NewZoneFile(cfg), nil
	}
	return nil, fmt.Errorf("unknown leZoneUpdateMethod %q", misc.LEZoneUpdateMethod)
}

// Authorizer connects to the ACME server and returns the orchestrator that
// validates domains through it.
func (e *Env) Authorizer(ctx context.Context) (*acmeclient.Client, *authz.Orchestrator, error) {
	misc := e.Config.ServerPKI.Misc
	if misc.ACMEServer == "" {
		return nil, nil, errors.New("no acmeServer configured")
	}
	pub, err := e.challengePublisher()
	if err != nil {
		return nil, nil, err
	}
	var propagation bdns.Client
	if misc.PropagationServer != "" {
		propagation, err = bdns.New(dnsTimeout, []string{misc.PropagationServer}, e.Stats, e.Clock, dnsTries)
		if err != nil {
			return nil, nil, err
		}
	}
	client, err := acmeclient.New(ctx, misc.ACMEServer, e.Config.ServerPKI.Pathes.ACMEAccountFile, misc.RegistrationEmail, acmeTimeout)
	if err != nil {
		return nil, nil, err
	}

	cfg := authz.DefaultConfig()
	cfg.Method = misc.LEZoneUpdateMethod
	if misc.Parallelism > 0 {
		cfg.Parallelism = misc.Parallelism
	}
	if misc.PublishRetries > 0 {
		cfg.PublishRetries = misc.PublishRetries
	}
	cfg.Patience = config.DurationOr(misc.Patience, cfg.Patience)
	cfg.PollInterval = config.DurationOr(misc.PollInterval, cfg.PollInterval)
	cfg.MaxPoll = config.DurationOr(misc.MaxPoll, cfg.MaxPoll)
	return client, authz.New(client, pub, propagation, cfg, e.Stats, e.Clock), nil
}

// awsLogger implements the github.com/aws/smithy-go/logging.Logger interface.
type awsLogger struct {
	ctx context.Context
}

func (log awsLogger) Logf(c awsl.Classification, format string, v ...any) {
	switch c {
	case awsl.Debug:
		blog.Debug(log.ctx, fmt.Sprintf(format, v...))
	case awsl.Warn:
		blog.Warn(log.ctx, fmt.Sprintf(format, v...))
	}
}

// Distributor returns the distributor, with an S3 client when an s3
// section is configured.
func (e *Env) Distributor(ctx context.Context) (*distributor.Distributor, error) {
	cfg := distributor.Config{
		Root:        "/",
		JailRoot:    e.Config.ServerPKI.Pathes.JailRoot,
		Parallelism: e.Config.ServerPKI.Misc.Parallelism,
	}
	s3c := e.Config.ServerPKI.Misc.S3
	if s3c == nil {
		return distributor.New(cfg, nil, e.Stats), nil
	}

	// Credentials come from the environment and the default shared files.
	awsConfig, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(s3c.Region),
		awsconfig.WithHTTPClient(new(http.Client)),
		awsconfig.WithLogger(awsLogger{ctx}),
		awsconfig.WithClientLogMode(aws.LogRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3c.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3c.Endpoint)
		}
		o.UsePathStyle = s3c.UsePathStyle
	})
	return distributor.New(cfg, client, e.Stats), nil
}

// Reminder returns the local issue reminder, or nil when no smtp section
// or no localIssueMailDays is configured.
func (e *Env) Reminder() (*mail.Reminder, error) {
	sc := e.Config.ServerPKI.SMTP
	days := e.Config.ServerPKI.Misc.LocalIssueMailDays
	if sc == nil || days == 0 {
		return nil, nil
	}
	from, err := netmail.ParseAddress(sc.From)
	if err != nil {
		return nil, fmt.Errorf("parsing smtp from address %q: %w", sc.From, err)
	}
	password, err := sc.Pass()
	if err != nil {
		return nil, fmt.Errorf("loading smtp password: %w", err)
	}
	mailer := mail.New(sc.Server, sc.Port, sc.Username, password, *from, e.Stats, e.Clock)
	return mail.NewReminder(e.SA, mailer, sc.To, days, e.Clock), nil
}

// WriteMetrics writes the registry to the configured textfile, logging
// rather than failing on error.
func (e *Env) WriteMetrics(ctx context.Context) {
	err := cmd.WriteMetrics(e.Stats, e.Config.ServerPKI.Misc.MetricsTextfile)
	if err != nil {
		blog.Warn(ctx, "Writing metrics textfile failed", slog.String("error", err.Error()))
	}
}
