package notmain

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/serverpki/serverpki/ca"
	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/cmd/internal/env"
	"github.com/serverpki/serverpki/sa"
)

const defaultCAKeyBits = 4096

// existing splits the configured CA file pairs into those present on disk
// and the first missing one.
func existing(certFiles, keyFiles []string) ([]string, []string, int) {
	missing := -1
	var certs, keys []string
	for i := range certFiles {
		if _, err := os.Stat(certFiles[i]); err != nil {
			if missing < 0 {
				missing = i
			}
			continue
		}
		certs = append(certs, certFiles[i])
		keys = append(keys, keyFiles[i])
	}
	return certs, keys, missing
}

func list(ctx context.Context, r *ca.Registry, now time.Time) error {
	cas, err := r.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLOCAL\tEXPIRES\tSTATE")
	for _, c := range cas {
		state := "active"
		switch {
		case c.Retired:
			state = "retired"
		case !now.Before(c.NotAfter):
			state = "expired"
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", c.ID, c.Name, c.IsLocal, c.NotAfter.UTC().Format(time.DateOnly), state)
	}
	return tw.Flush()
}

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	create := flag.String("create", "", "Create a local CA with this common name, written to the first configured CA file pair that does not exist yet")
	retire := flag.Int64("retire", 0, "Retire the CA with this id")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := cmd.CatchSignals()
	defer cancel()
	defer cmd.AuditPanic()

	ctx, e := env.Load(ctx, *configFile, "pki-ca")
	defer e.Close()
	c := e.Config.ServerPKI

	locker, err := e.Locker()
	cmd.FailOnError(err, "Setting up lock")
	lease, err := locker.Acquire(ctx)
	cmd.FailOnError(err, "Taking the serverpki lock")
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()

	err = sa.CheckSchema(ctx, e.SA)
	cmd.FailOnError(err, "Checking schema")

	if len(c.Pathes.CACertFiles) != len(c.Pathes.CAKeyFiles) {
		cmd.Fail("caCertFiles and caKeyFiles must have the same length")
	}
	certs, keys, missing := existing(c.Pathes.CACertFiles, c.Pathes.CAKeyFiles)
	profile, err := e.Profile()
	cmd.FailOnError(err, "Building issuance profile")
	r, err := ca.New(ctx, e.SA, certs, keys, profile, e.Clock)
	cmd.FailOnError(err, "Loading local CAs")

	switch {
	case *create != "":
		if missing < 0 {
			cmd.Fail("every configured CA file pair exists; add a new pair to caCertFiles and caKeyFiles first")
		}
		bits := c.Misc.LocalCAKeySize
		if bits == 0 {
			bits = defaultCAKeyBits
		}
		created, err := r.CreateLocal(ctx, *create, bits, c.Misc.LocalCALifetime.Duration,
			c.Pathes.CACertFiles[missing], c.Pathes.CAKeyFiles[missing])
		cmd.FailOnError(err, "Creating local CA")
		fmt.Printf("Created local CA %q (id %d), valid until %s\n", created.Name, created.ID, created.NotAfter.UTC().Format(time.DateOnly))
	case *retire != 0:
		err = r.Retire(ctx, *retire)
		cmd.FailOnError(err, "Retiring CA")
	}

	err = list(ctx, r, e.Clock.Now())
	cmd.FailOnError(err, "Listing CAs")
}

func init() {
	cmd.RegisterCommand("pki-ca", main, &cmd.ConfigValidator{Config: &cmd.PKIConfig{}})
}
