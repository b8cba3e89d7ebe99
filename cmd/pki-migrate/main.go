package notmain

import (
	"flag"
	"fmt"
	"os"

	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/cmd/internal/env"
	"github.com/serverpki/serverpki/sa"
)

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	status := flag.Bool("status", false, "Only report the number of pending migrations")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := cmd.CatchSignals()
	defer cancel()
	defer cmd.AuditPanic()

	ctx, e := env.Load(ctx, *configFile, "pki-migrate")
	defer e.Close()

	if *status {
		pending, err := sa.PendingMigrations(ctx, e.DB.Db())
		cmd.FailOnError(err, "Reading migration status")
		fmt.Printf("%d pending migrations\n", pending)
		return
	}

	applied, err := sa.Migrate(ctx, e.DB.Db())
	cmd.FailOnError(err, "Migrating schema")
	for _, m := range applied {
		fmt.Printf("applied %d %s\n", m.Version, m.Source)
	}
	err = sa.CheckSchema(ctx, e.SA)
	cmd.FailOnError(err, "Checking schema after migration")
}

func init() {
	cmd.RegisterCommand("pki-migrate", main, &cmd.ConfigValidator{Config: &cmd.PKIConfig{}})
}
