package notmain

import (
	"flag"
	"log/slog"
	"os"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/cmd/internal/env"
	"github.com/serverpki/serverpki/config"
	"github.com/serverpki/serverpki/renewer"
	"github.com/serverpki/serverpki/scheduler"
	"github.com/serverpki/serverpki/tracker"
)

const defaultThreshold = 30

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	threshold := flag.Int("threshold", 0, "Renew instances with at most this many days left (default: renewalThresholdDays, or 30)")
	renewLocal := flag.Int("renew-local-certs", -1, "Renew only locally issued certificates with at most this many days left")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := cmd.CatchSignals()
	defer cancel()
	defer cmd.AuditPanic()

	ctx, e := env.Load(ctx, *configFile, "pki-renew")
	c := e.Config.ServerPKI

	opts := renewer.Options{Threshold: *threshold}
	if opts.Threshold <= 0 {
		opts.Threshold = c.Misc.RenewalThresholdDays
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if *renewLocal >= 0 {
		opts.Threshold = *renewLocal
		opts.LocalOnly = true
	}

	locker, err := e.Locker()
	cmd.FailOnError(err, "Setting up lock")

	tr := tracker.New(e.SA, config.Days(c.Misc.PrePublishDays), e.Stats, e.Clock)
	r := renewer.New(e.SA, locker, tr, renewer.Config{RSABits: c.X509Atts.Bits, ECCurve: c.X509Atts.ECCurve}, e.Stats, e.Clock)

	r.Keys, err = e.KeyStore(ctx)
	cmd.FailOnError(err, "Opening key store")

	dist, err := e.Distributor(ctx)
	cmd.FailOnError(err, "Setting up distribution")
	r.Distributor = dist

	if len(c.Pathes.CACertFiles) > 0 {
		r.CA, err = e.CA(ctx)
		cmd.FailOnError(err, "Loading local CAs")
	}

	if !opts.LocalOnly && c.Misc.ACMEServer != "" {
		_, orchestrator, err := e.Authorizer(ctx)
		if err != nil {
			// ACME certificates fail individually; local ones still renew.
			blog.Error(ctx, "ACME server unavailable", err, slog.String("server", c.Misc.ACMEServer))
		} else {
			r.ACME = orchestrator
		}
	}

	tlsa, err := e.TLSAWriter()
	cmd.FailOnError(err, "Setting up TLSA records")
	if tlsa != nil {
		r.TLSA = tlsa
	}

	rem, err := e.Reminder()
	cmd.FailOnError(err, "Setting up reminder mail")
	if rem != nil {
		r.Reminder = rem
	}

	summary, err := r.Run(ctx, opts)
	e.WriteMetrics(ctx)
	cmd.FailOnError(err, "Renewal batch")

	err = scheduler.Report(os.Stdout, summary.Rows, e.Clock.Now())
	cmd.FailOnError(err, "Writing report")

	e.Close()
	os.Exit(summary.ExitCode())
}

func init() {
	cmd.RegisterCommand("pki-renew", main, &cmd.ConfigValidator{Config: &cmd.PKIConfig{}})
}
