package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// ReadPassphrase returns the passphrase stored in path. With an empty path
// it prompts on the controlling terminal instead.
func ReadPassphrase(path string) ([]byte, error) {
	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %w", err)
		}
		pass := bytes.TrimRight(contents, "\r\n")
		if len(pass) == 0 {
			return nil, fmt.Errorf("passphrase file %q is empty", path)
		}
		return pass, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no passphrase file configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Key store passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return pass, nil
}
