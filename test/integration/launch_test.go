//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/onsi/gomega/gexec"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire/wiretest"
	"github.com/eliteGoblin/focusd/hc_launch/test/fixtures"
)

const passphrase = "integration-pass"

var (
	windowLine    = regexp.MustCompile(`(Agent-\d+): (http://127\.0\.0\.1:\d+/)`)
	adminPortExpr = regexp.MustCompile(`"ADMIN_INTERFACE_PORT":(\d+)`)
)

type launch struct {
	tmpDir  string
	pidDir  string
	bundle  string
	env     []string
	session *gexec.Session
}

func newLaunch() *launch {
	// Short on purpose: keystore sockets live below it
	tmpDir, err := os.MkdirTemp("", "hcit")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, tmpDir)

	pidDir := filepath.Join(tmpDir, "pids")
	Expect(os.Mkdir(pidDir, 0o755)).To(Succeed())
	inputs := filepath.Join(tmpDir, "inputs")
	Expect(os.Mkdir(inputs, 0o755)).To(Succeed())

	bundle, err := fixtures.WriteWebApp(inputs, "forum")
	Expect(err).NotTo(HaveOccurred())

	return &launch{
		tmpDir: tmpDir,
		pidDir: pidDir,
		bundle: bundle,
		env: append(os.Environ(),
			"TMPDIR="+tmpDir,
			fixtures.EnvPassphrase+"="+passphrase,
			fixtures.EnvPIDDir+"="+pidDir,
		),
	}
}

func (l *launch) start(stdin string, args ...string) *gexec.Session {
	argv := append([]string{
		l.bundle,
		"--piped",
		"--headless",
		"--holochain-path", conductorPath,
		"--lair-path", lairPath,
		"--config", filepath.Join(l.tmpDir, "none.toml"),
	}, args...)
	if err := os.WriteFile(filepath.Join(l.tmpDir, "none.toml"), nil, 0o644); err != nil {
		Fail(err.Error())
	}

	cmd := exec.Command(launcherPath, argv...)
	cmd.Env = l.env
	cmd.Stdin = strings.NewReader(stdin)
	session, err := gexec.Start(cmd, GinkgoWriter, GinkgoWriter)
	Expect(err).NotTo(HaveOccurred())
	l.session = session
	return session
}

// windows waits for n window URLs on stdout.
func (l *launch) windows(n int) map[string]string {
	Eventually(func() int {
		return len(windowLine.FindAllSubmatch(l.session.Out.Contents(), -1))
	}, 30*time.Second, 100*time.Millisecond).Should(Equal(n))

	out := make(map[string]string, n)
	for _, m := range windowLine.FindAllSubmatch(l.session.Out.Contents(), -1) {
		out[string(m[1])] = string(m[2])
	}
	return out
}

// leftovers lists what the run left in its temp dir, besides the inputs of the test
// and the shared port locks.
func (l *launch) leftovers() []string {
	entries, err := os.ReadDir(l.tmpDir)
	Expect(err).NotTo(HaveOccurred())
	var names []string
	for _, e := range entries {
		switch e.Name() {
		case "pids", "inputs", "none.toml", "hc-launch-ports":
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

func (l *launch) pids(role string) []int {
	pids, err := fixtures.RecordedPIDs(l.pidDir, role)
	Expect(err).NotTo(HaveOccurred())
	return pids
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func fetch(url string) string {
	resp, err := http.Get(url)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(body)
}

func signRequest(windowURL string, call domain.ZomeCallUnsigned) *http.Response {
	body, err := json.Marshal(call)
	Expect(err).NotTo(HaveOccurred())
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(windowURL, "/")+"/__launcher/sign", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Launcher-Bridge", "1")
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func zomeCall(provenance domain.AgentPubKey) domain.ZomeCallUnsigned {
	return domain.ZomeCallUnsigned{
		Provenance: domain.Bytes(provenance),
		CellID:     domain.CellID{bytes.Repeat([]byte{0x2d}, domain.AgentPubKeyLen), domain.Bytes(provenance)},
		ZomeName:   "posts",
		FnName:     "create_post",
		Payload:    []byte{0x81, 0xa1, 0x61, 0x01},
		Nonce:      bytes.Repeat([]byte{9}, domain.NonceLen),
		ExpiresAt:  time.Now().Add(5 * time.Minute).UnixMicro(),
	}
}

var _ = Describe("hc-launch", func() {
	var l *launch

	BeforeEach(func() {
		l = newLaunch()
	})

	Context("with two agents", func() {
		var windows map[string]string

		BeforeEach(func() {
			l.start(passphrase+"\n", "-n", "2")
			windows = l.windows(2)
		})

		AfterEach(func() {
			l.session.Terminate()
			Eventually(l.session, 20*time.Second).Should(gexec.Exit())
		})

		It("opens one window per agent with its ports injected", func() {
			Expect(windows).To(HaveKey("Agent-0"))
			Expect(windows).To(HaveKey("Agent-1"))

			ports := map[string]bool{}
			for _, url := range windows {
				page := fetch(url)
				Expect(page).To(ContainSubstring("<h1>fixture app</h1>"))
				Expect(page).To(ContainSubstring(`"INSTALLED_APP_ID":"test-app"`))
				m := adminPortExpr.FindStringSubmatch(page)
				Expect(m).To(HaveLen(2))
				ports[m[1]] = true
			}
			Expect(ports).To(HaveLen(2), "each agent has its own conductor")

			Expect(l.pids("keystore")).To(HaveLen(2))
			Expect(l.pids("conductor")).To(HaveLen(2))
		})

		It("signs zome calls with the window's own agent key only", func() {
			page := fetch(windows["Agent-0"])
			port, err := strconv.Atoi(adminPortExpr.FindStringSubmatch(page)[1])
			Expect(err).NotTo(HaveOccurred())
			key := wiretest.AgentPubKeyFor(uint16(port))

			call := zomeCall(key)
			resp := signRequest(windows["Agent-0"], call)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var signed domain.ZomeCall
			Expect(json.NewDecoder(resp.Body).Decode(&signed)).To(Succeed())
			data, err := wire.DataToSign(call)
			Expect(err).NotTo(HaveOccurred())
			raw, err := key.Raw32()
			Expect(err).NotTo(HaveOccurred())
			Expect([]byte(signed.Signature)).To(Equal(wiretest.Signature(raw, data)))

			foreign := signRequest(windows["Agent-1"], call)
			defer foreign.Body.Close()
			Expect(foreign.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("tears everything down on SIGTERM", func() {
			keystores, conductors := l.pids("keystore"), l.pids("conductor")

			l.session.Terminate()
			Eventually(l.session, 20*time.Second).Should(gexec.Exit(0))
			Expect(l.session.Err).To(gbytes.Say("launcher stopped"))

			for _, pid := range append(keystores, conductors...) {
				Eventually(func() bool { return alive(pid) }, 5*time.Second).Should(BeFalse(), fmt.Sprintf("pid %d", pid))
			}
			Expect(l.leftovers()).To(BeEmpty())
		})
	})

	It("exits with status 2 on a wrong passphrase and removes the workspace", func() {
		session := l.start("not-the-passphrase\n")
		Eventually(session, 30*time.Second).Should(gexec.Exit(2))
		Expect(session.Err).To(gbytes.Say("IncorrectPassword"))
		Expect(l.leftovers()).To(BeEmpty())
	})

	It("stops the keystores when a conductor cannot bind its port", func() {
		l.env = append(l.env, fixtures.EnvConductorFail+"=addr_in_use")
		session := l.start(passphrase+"\n", "-n", "2")
		Eventually(session, 30*time.Second).Should(gexec.Exit(2))
		Expect(session.Err).To(gbytes.Say("AddressAlreadyInUse"))

		for _, pid := range l.pids("keystore") {
			Eventually(func() bool { return alive(pid) }, 5*time.Second).Should(BeFalse())
		}
		Expect(l.leftovers()).To(BeEmpty())
	})

	It("refuses a runtime bundle without --ui-path before spawning children", func() {
		happ := filepath.Join(l.tmpDir, "inputs", "forum.happ")
		Expect(os.WriteFile(happ, []byte("fixture happ"), 0o644)).To(Succeed())
		l.bundle = happ

		session := l.start(passphrase + "\n")
		Eventually(session, 30*time.Second).Should(gexec.Exit(2))
		Expect(session.Err).To(gbytes.Say("--ui-path"))
		Expect(l.pids("version")).To(BeEmpty())
		Expect(l.pids("keystore")).To(BeEmpty())
		Expect(l.pids("conductor")).To(BeEmpty())
		Expect(l.leftovers()).To(BeEmpty())
	})

	It("rejects bad options with status 1 before starting anything", func() {
		session := l.start(passphrase+"\n", "-n", "0")
		Eventually(session, 10*time.Second).Should(gexec.Exit(1))
		Expect(session.Err).To(gbytes.Say("at least 1"))
		Expect(l.pids("keystore")).To(BeEmpty())
	})

	It("removes stale agent directories with clean", func() {
		root := filepath.Join(l.tmpDir, "agents")
		Expect(os.MkdirAll(filepath.Join(root, "oldrun_Agent-0", "keystore"), 0o700)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(root, "keep-me"), 0o700)).To(Succeed())

		cmd := exec.Command(launcherPath, "clean", "--root", root)
		cmd.Env = l.env
		session, err := gexec.Start(cmd, GinkgoWriter, GinkgoWriter)
		Expect(err).NotTo(HaveOccurred())
		Eventually(session, 10*time.Second).Should(gexec.Exit(0))
		Expect(session.Out).To(gbytes.Say("removed .*oldrun_Agent-0"))

		Expect(filepath.Join(root, "oldrun_Agent-0")).NotTo(BeADirectory())
		Expect(filepath.Join(root, "keep-me")).To(BeADirectory())
	})
})
