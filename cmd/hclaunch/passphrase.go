package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// readPassphrase returns the launch passphrase. Piped mode reads stdin to EOF and drops
// one trailing newline; otherwise the user is prompted on the terminal without echo.
func readPassphrase(piped bool, stdin *os.File, prompt io.Writer) ([]byte, error) {
	if piped {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, domain.NewError(domain.KindUsage, "read passphrase from stdin", err)
		}
		return trimNewline(data), nil
	}

	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, domain.NewError(domain.KindUsage, "read passphrase",
			errors.New("stdin is not a terminal, use --piped to read the passphrase from stdin"))
	}
	fmt.Fprint(prompt, "Passphrase: ")
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, domain.NewError(domain.KindUsage, "read passphrase", err)
	}
	return data, nil
}

// trimNewline drops a single trailing "\n" or "\r\n".
func trimNewline(data []byte) []byte {
	if bytes.HasSuffix(data, []byte("\r\n")) {
		return data[:len(data)-2]
	}
	if bytes.HasSuffix(data, []byte("\n")) {
		return data[:len(data)-1]
	}
	return data
}
