package sa

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/letsencrypt/borp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/db"
)

// DbSettings contains settings for the database/sql driver. The zero value
// of each field means use the default setting from database/sql.
type DbSettings struct {
	// MaxOpenConns sets the maximum number of open connections to the
	// database.
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of connections in the idle
	// connection pool.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum amount of time a connection may be
	// reused.
	ConnMaxLifetime time.Duration
}

// InitWrappedDb constructs a wrapped borp mapping object with the provided
// settings. If stats is non-nil, it also registers metrics describing the
// connection pool.
func InitWrappedDb(config cmd.DBConfig, stats prometheus.Registerer) (*db.WrappedMap, error) {
	url, err := config.URL()
	if err != nil {
		return nil, fmt.Errorf("failed to load DBConnect URL: %s", err)
	}
	settings := DbSettings{
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime.Duration,
	}
	mysqlConfig, err := mysql.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbMap, err := newDbMapFromMySQLConfig(mysqlConfig, settings)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		InitDBMetrics(dbMap.Db(), stats, settings)
	}
	return dbMap, nil
}

// newDbMapFromMySQLConfig opens a database connection given the provided
// *mysql.Config, plus some additional settings that are required for the
// storage layer to work correctly.
func newDbMapFromMySQLConfig(config *mysql.Config, settings DbSettings) (*db.WrappedMap, error) {
	err := adjustMySQLConfig(config)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open("mysql", config.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err = conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(settings.MaxOpenConns)
	conn.SetMaxIdleConns(settings.MaxIdleConns)
	conn.SetConnMaxLifetime(settings.ConnMaxLifetime)

	dialect := borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"}
	dbMap := &borp.DbMap{Db: conn, Dialect: dialect, TypeConverter: PKITypeConverter{}}
	initTables(dbMap)
	return db.NewWrappedMap(dbMap), nil
}

// adjustMySQLConfig sets certain flags that we want on every connection.
func adjustMySQLConfig(conf *mysql.Config) error {
	// Required to turn DATETIME fields into time.Time
	conf.ParseTime = true
	conf.Loc = time.UTC

	// Required to make UPDATE return the number of rows matched,
	// instead of the number of rows changed by the UPDATE. Conditional
	// state transitions depend on it.
	conf.ClientFoundRows = true

	if conf.Params == nil {
		conf.Params = make(map[string]string)
	}
	// Ensures that MySQL/MariaDB warnings are treated as errors. This
	// avoids a number of nasty edge conditions we could wander into.
	conf.Params["sql_mode"] = "'STRICT_ALL_TABLES'"

	// Keys and certificates are stored in MEDIUMBLOB columns.
	if conf.MaxAllowedPacket == 0 {
		conf.MaxAllowedPacket = 16 << 20
	}
	return nil
}

// initTables constructs the table map for the ORM. Only the tables rows are
// inserted into through borp are registered; everything else is read and
// written with explicit queries.
func initTables(dbMap *borp.DbMap) {
	dbMap.AddTableWithName(instanceModel{}, "certInstances").SetKeys(true, "ID")
	dbMap.AddTableWithName(caModel{}, "cas").SetKeys(true, "ID")
}
