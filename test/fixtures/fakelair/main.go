// Command fakelair stands in for the lair keystore CLI in integration tests. It
// supports init, server and url, prints the same markers as the real keystore and
// serves the keystore socket with wiretest.KeystoreServer.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/eliteGoblin/focusd/hc_launch/internal/daemon"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire/wiretest"
	"github.com/eliteGoblin/focusd/hc_launch/test/fixtures"
)

func main() {
	if len(os.Args) < 2 {
		fail("usage: fakelair init|server|url [-p]")
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "server":
		fixtures.RecordPID("keystore")
		runServer()
	case "url":
		url, err := connectionURL()
		if err != nil {
			fail(err.Error())
		}
		fmt.Println(url)
	default:
		fail("unknown command " + os.Args[1])
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func readPassphrase() []byte {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fail("read passphrase: " + err.Error())
	}
	pass := bytes.TrimRight(data, "\r\n")
	if !fixtures.CheckPassphrase(pass) {
		fail("# lair-keystore error # bad passphrase #")
	}
	return pass
}

func runInit() {
	readPassphrase()

	dir, err := os.Getwd()
	if err != nil {
		fail(err.Error())
	}
	url := "unix://" + filepath.Join(dir, "socket") + "?k=fixture"
	config := fmt.Sprintf("# lair-keystore config\nconnectionUrl: %s\npidFile: %s\n",
		url, filepath.Join(dir, "pid_file"))
	if err := os.WriteFile(daemon.KeystoreConfigFile, []byte(config), 0o600); err != nil {
		fail(err.Error())
	}
	fmt.Printf("# lair-keystore connection_url # %s #\n", url)
}

func runServer() {
	pass := readPassphrase()

	url, err := connectionURL()
	if err != nil {
		fail(err.Error())
	}
	socket, err := wire.SocketPath(url)
	if err != nil {
		fail(err.Error())
	}
	_ = os.Remove(socket)
	l, err := net.Listen("unix", socket)
	if err != nil {
		fail("listen: " + err.Error())
	}

	ks := wiretest.NewKeystoreServer(pass)
	go ks.Serve(l)
	fmt.Println("# lair-keystore running #")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	ks.Close()
}

func connectionURL() (string, error) {
	f, err := os.Open(daemon.KeystoreConfigFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if rest, ok := strings.CutPrefix(scanner.Text(), "connectionUrl:"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no connectionUrl in %s", daemon.KeystoreConfigFile)
}
