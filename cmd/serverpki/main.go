package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/serverpki/serverpki/cmd"
	_ "github.com/serverpki/serverpki/cmd/pki-ca"
	_ "github.com/serverpki/serverpki/cmd/pki-keys"
	_ "github.com/serverpki/serverpki/cmd/pki-migrate"
	_ "github.com/serverpki/serverpki/cmd/pki-renew"
)

// getConfigPath returns the path to the config file if it was provided as a
// command line flag. If the flag was not provided, it returns an empty string.
func getConfigPath() string {
	for i := 0; i < len(os.Args); i++ {
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				return os.Args[i+1]
			}
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
		if strings.HasPrefix(arg, "-config=") {
			return strings.TrimPrefix(arg, "-config=")
		}
	}
	return ""
}

var usage = fmt.Sprintf(`Usage: %s <subcommand> [flags]

  Each serverpki task has its own subcommand. Use --list to see
  a list of the available subcommands. Use <subcommand> --help to
  see the usage for a specific subcommand.
`,
	cmd.Command())

func main() {
	defer cmd.AuditPanic()
	var command string
	if cmd.Command() == "serverpki" {
		if len(os.Args) <= 1 || os.Args[1] == "--help" || os.Args[1] == "-help" {
			fmt.Fprint(os.Stderr, usage)
			return
		}
		if os.Args[1] == "--list" || os.Args[1] == "-list" {
			for _, c := range cmd.AvailableCommands() {
				fmt.Println(c)
			}
			return
		}
		command = os.Args[1]

		// Remove the subcommand from the arguments.
		os.Args = os.Args[1:]
	} else {
		// Operator ran a subcommand through a symlink.
		command = cmd.Command()
	}

	config := getConfigPath()
	if config != "" {
		if cv := cmd.LookupConfigValidator(command); cv != nil {
			err := cmd.ValidateConfig(cv, config)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error validating config file %q for command %q: %s\n", config, command, err)
				os.Exit(1)
			}
		}
	}

	commandFunc := cmd.LookupCommand(command)
	if commandFunc == nil {
		fmt.Fprintf(os.Stderr, "Unknown subcommand %q.\n", command)
		os.Exit(1)
	}
	commandFunc()
}
