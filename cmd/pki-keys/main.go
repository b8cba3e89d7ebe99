package notmain

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/cmd/internal/env"
	"github.com/serverpki/serverpki/keystore"
	"github.com/serverpki/serverpki/sa"
)

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	encrypt := flag.Bool("encrypt-keys", false, "Encrypt every stored private key with the key store passphrase")
	decrypt := flag.Bool("decrypt-keys", false, "Decrypt every stored private key")
	flag.Parse()
	if *configFile == "" || *encrypt == *decrypt {
		fmt.Fprintln(os.Stderr, "exactly one of --encrypt-keys and --decrypt-keys is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := cmd.CatchSignals()
	defer cancel()
	defer cmd.AuditPanic()

	ctx, e := env.Load(ctx, *configFile, "pki-keys")
	defer e.Close()

	locker, err := e.Locker()
	cmd.FailOnError(err, "Setting up lock")
	lease, err := locker.Acquire(ctx)
	cmd.FailOnError(err, "Taking the serverpki lock")
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()

	err = sa.CheckSchema(ctx, e.SA)
	cmd.FailOnError(err, "Checking schema")

	pass, err := e.Passphrase()
	cmd.FailOnError(err, "Reading passphrase")
	keys := keystore.New(e.SA, pass)
	keys.Guard(lease)

	var res keystore.Result
	if *encrypt {
		res, err = keys.EncryptAll(ctx)
	} else {
		res, err = keys.DecryptAll(ctx)
	}
	cmd.FailOnError(err, "Key maintenance")

	if res.NoOp {
		fmt.Println("Keys were already in the requested state; nothing changed.")
		return
	}
	fmt.Printf("Rewrote %d keys.\n", res.Rewritten)
}

func init() {
	cmd.RegisterCommand("pki-keys", main, &cmd.ConfigValidator{Config: &cmd.PKIConfig{}})
}
