// Command fakeconductor stands in for the holochain conductor in integration tests.
// It reads the admin port from the config given with -c and serves the admin
// websocket with wiretest.AdminServer. Agent keys are derived from the admin port.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire/wiretest"
	"github.com/eliteGoblin/focusd/hc_launch/test/fixtures"
)

type conductorConfig struct {
	AdminInterfaces []struct {
		Driver struct {
			Port uint16 `yaml:"port"`
		} `yaml:"driver"`
	} `yaml:"admin_interfaces"`
}

func main() {
	if len(os.Args) == 2 && os.Args[1] == "--version" {
		fixtures.RecordPID("version")
		fmt.Println(fixtures.ConductorVersion)
		return
	}

	configPath := ""
	for i := 1; i+1 < len(os.Args); i++ {
		if os.Args[i] == "-c" {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		fail("usage: fakeconductor -c <config> -p")
	}
	fixtures.RecordPID("conductor")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		fail("read passphrase: " + err.Error())
	}
	if !fixtures.CheckPassphrase([]byte(strings.TrimRight(line, "\r\n"))) {
		fail("FATAL PANIC: failed to unlock keystore")
	}

	switch os.Getenv(fixtures.EnvConductorFail) {
	case "addr_in_use":
		fail("Error: Os { code: 98, kind: AddrInUse, message: \"Address already in use\" }")
	case "panic":
		fail("FATAL PANIC PanicInfo { payload: Any { .. } }")
	case "corrupt":
		fail("Error: Sqlite(SqliteFailure(Error { code: NotADatabase }, Some(\"file is not a database\")))")
	}

	port, err := adminPort(configPath)
	if err != nil {
		fail(err.Error())
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		fail(fmt.Sprintf("Error: Os { kind: AddrInUse, message: %q }", err.Error()))
	}

	admin := wiretest.NewAdminServer()
	admin.Handle(wire.RequestGenerateAgentPubKey, func(wire.AdminRequest) (string, interface{}) {
		return wire.ResponseAgentPubKeyGenerated, []byte(wiretest.AgentPubKeyFor(port))
	})
	server := &http.Server{Handler: admin, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "admin server:", err)
		}
	}()
	fmt.Println("Conductor ready.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func adminPort(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var cfg conductorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.AdminInterfaces) == 0 {
		return 0, fmt.Errorf("no admin interface in %s", path)
	}
	return cfg.AdminInterfaces[0].Driver.Port, nil
}
