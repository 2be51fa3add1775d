package window

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/infra"
)

type mockCommands struct {
	mu      sync.Mutex
	signErr error
	openErr error
	signed  []string
	opened  []string
}

func (m *mockCommands) SignZomeCall(ctx context.Context, label string, call domain.ZomeCallUnsigned) (*domain.ZomeCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signErr != nil {
		return nil, m.signErr
	}
	m.signed = append(m.signed, label)
	return &domain.ZomeCall{ZomeCallUnsigned: call, Signature: bytes.Repeat([]byte{7}, domain.SignatureLen)}, nil
}

func (m *mockCommands) OpenURL(ctx context.Context, label string, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = append(m.opened, label+" "+url)
	return nil
}

func (m *mockCommands) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signed) + len(m.opened)
}

type mockOpener struct {
	err    error
	opened []string
}

func (m *mockOpener) Open(url string) error {
	m.opened = append(m.opened, url)
	return m.err
}

type windowFixture struct {
	window   *browserWindow
	commands *mockCommands
	out      *bytes.Buffer
}

func newWindow(t *testing.T, grace time.Duration) *windowFixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte(testIndex), 0o644))

	commands := &mockCommands{}
	out := &bytes.Buffer{}
	toolkit := NewBrowserToolkit(BrowserToolkitConfig{Headless: true, CloseGrace: grace, Out: out},
		&mockOpener{}, commands, zap.NewNop())

	w, err := toolkit.CreateWindow(context.Background(), domain.WindowSpec{
		Label:           "Agent-0",
		Title:           "forum (Agent-0)",
		AssetRoot:       root,
		BootstrapScript: "BOOT",
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return &windowFixture{window: w.(*browserWindow), commands: commands, out: out}
}

func (f *windowFixture) post(t *testing.T, path string, body string, header bool, origin string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(f.window.URL(), "/")+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if header {
		req.Header.Set(BridgeHeader, "1")
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *windowFixture) dialLive(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(strings.TrimSuffix(f.window.URL(), "/"), "http") + LivePath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func (f *windowFixture) liveCount() int {
	f.window.mu.Lock()
	defer f.window.mu.Unlock()
	return len(f.window.conns)
}

func byteArray(n int, v byte) string {
	return strings.Repeat(","+strconv.Itoa(int(v)), n)[1:]
}

func signBody() string {
	return `{"provenance":[` + byteArray(39, 1) + `],"cell_id":[[` + byteArray(39, 2) + `],[` + byteArray(39, 1) + `]],` +
		`"zome_name":"posts","fn_name":"create_post","cap_secret":null,"payload":[1,2,3],` +
		`"nonce":[` + byteArray(32, 9) + `],"expires_at":1700000000000000}`
}

func TestBrowserToolkit_CreateWindowHeadless(t *testing.T) {
	f := newWindow(t, time.Second)

	assert.True(t, strings.HasPrefix(f.window.URL(), "http://127.0.0.1:"))
	assert.Equal(t, "Agent-0: "+f.window.URL()+"\n", f.out.String())
	assert.Equal(t, "Agent-0", f.window.Label())

	resp, err := http.Get(f.window.URL())
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "<head><script>BOOT</script>")
}

func TestBrowserToolkit_CreateWindowOpensBrowser(t *testing.T) {
	root := t.TempDir()
	opener := &mockOpener{}
	toolkit := NewBrowserToolkit(BrowserToolkitConfig{CloseGrace: time.Second}, opener, &mockCommands{}, zap.NewNop())

	w, err := toolkit.CreateWindow(context.Background(), domain.WindowSpec{Label: "Agent-1", AssetRoot: root})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, []string{w.URL()}, opener.opened)
}

func TestBrowserToolkit_CreateWindowOpenFails(t *testing.T) {
	opener := &mockOpener{err: errors.New("no browser")}
	toolkit := NewBrowserToolkit(BrowserToolkitConfig{}, opener, &mockCommands{}, zap.NewNop())

	w, err := toolkit.CreateWindow(context.Background(), domain.WindowSpec{Label: "Agent-0", AssetRoot: t.TempDir()})
	require.Error(t, err)
	assert.Nil(t, w)
	assert.Contains(t, err.Error(), "failed to open window Agent-0")
	require.Len(t, opener.opened, 1)

	_, err = http.Get(opener.opened[0])
	assert.Error(t, err, "server should be shut down")
}

func TestBrowserToolkit_Verify(t *testing.T) {
	tests := []struct {
		name    string
		config  BrowserToolkitConfig
		wantErr bool
	}{
		{"headless", BrowserToolkitConfig{Headless: true, Platform: infra.Platform{WindowEnv: []string{"HCLAUNCH_TEST_UNSET_DISPLAY"}}}, false},
		{"no requirement", BrowserToolkitConfig{Platform: infra.Platform{}}, false},
		{"missing display", BrowserToolkitConfig{Platform: infra.Platform{WindowEnv: []string{"HCLAUNCH_TEST_UNSET_DISPLAY"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewBrowserToolkit(tt.config, &mockOpener{}, &mockCommands{}, zap.NewNop()).Verify()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, domain.KindUsage, domain.KindOf(err))
			assert.Contains(t, err.Error(), "--headless")
		})
	}
}

func TestBrowserWindow_Sign(t *testing.T) {
	f := newWindow(t, time.Second)

	status, body := f.post(t, SignPath, signBody(), true, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "create_post", body["fn_name"])
	assert.Len(t, body["signature"], domain.SignatureLen)
	assert.Len(t, body["nonce"], domain.NonceLen)
	assert.Equal(t, []string{"Agent-0"}, f.commands.signed)
}

func TestBrowserWindow_BridgeRejectsForeignCallers(t *testing.T) {
	f := newWindow(t, time.Second)

	tests := []struct {
		name   string
		path   string
		header bool
		origin string
	}{
		{"sign without header", SignPath, false, ""},
		{"sign from other origin", SignPath, true, "http://evil.example"},
		{"open-url without header", OpenURLPath, false, ""},
		{"open-url from other origin", OpenURLPath, true, "http://127.0.0.1:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.post(t, tt.path, `{"url":"https://example.com"}`, tt.header, tt.origin)
			assert.Equal(t, http.StatusForbidden, status)
			assert.Equal(t, string(domain.KindUnauthorizedCaller), body["kind"])
		})
	}
	assert.Zero(t, f.commands.calls())
}

func TestBrowserWindow_SameOriginAccepted(t *testing.T) {
	f := newWindow(t, time.Second)

	status, _ := f.post(t, OpenURLPath, `{"url":"https://example.com"}`, true, strings.TrimSuffix(f.window.URL(), "/"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"Agent-0 https://example.com"}, f.commands.opened)
}

func TestBrowserWindow_CommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   domain.ErrorKind
	}{
		{"no authority", domain.NewError(domain.KindNoAuthority, "sign", errors.New("unknown window")), http.StatusNotFound, domain.KindNoAuthority},
		{"unauthorized", domain.NewError(domain.KindUnauthorizedCaller, "sign", errors.New("foreign key")), http.StatusForbidden, domain.KindUnauthorizedCaller},
		{"sign failure", domain.NewError(domain.KindSignFailure, "sign", errors.New("keystore down")), http.StatusBadGateway, domain.KindSignFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWindow(t, time.Second)
			f.commands.signErr = tt.err

			status, body := f.post(t, SignPath, signBody(), true, "")
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, string(tt.wantKind), body["kind"])
			assert.Contains(t, body["error"], tt.err.Error())
		})
	}
}

func TestBrowserWindow_BadRequests(t *testing.T) {
	f := newWindow(t, time.Second)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"sign not json", SignPath, "{"},
		{"sign bad bytes", SignPath, `{"provenance":[300]}`},
		{"open-url without url", OpenURLPath, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.post(t, tt.path, tt.body, true, "")
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, string(domain.KindUsage), body["kind"])
		})
	}
	assert.Zero(t, f.commands.calls())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind domain.ErrorKind
		want int
	}{
		{domain.KindNoAuthority, http.StatusNotFound},
		{domain.KindUnauthorizedCaller, http.StatusForbidden},
		{domain.KindUsage, http.StatusBadRequest},
		{domain.KindSignFailure, http.StatusBadGateway},
		{domain.KindLaunchChild, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(domain.NewError(tt.kind, "op", errors.New("x"))))
		})
	}
}

func TestBrowserWindow_Eval(t *testing.T) {
	f := newWindow(t, time.Second)
	conn := f.dialLive(t)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.window.Eval(ReloadScript))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg liveMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, liveMessage{Type: "eval", Script: ReloadScript}, msg)
}

func TestBrowserWindow_EvalWithoutPages(t *testing.T) {
	f := newWindow(t, time.Second)
	assert.NoError(t, f.window.Eval(ReloadScript))
}

func TestBrowserWindow_LiveRejectsForeignOrigin(t *testing.T) {
	f := newWindow(t, time.Second)
	url := "ws" + strings.TrimPrefix(strings.TrimSuffix(f.window.URL(), "/"), "http") + LivePath

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBrowserWindow_Close(t *testing.T) {
	f := newWindow(t, time.Second)
	conn := f.dialLive(t)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.window.Close())
	require.NoError(t, f.window.Close())

	select {
	case <-f.window.Closed():
	default:
		t.Fatal("Closed() should be closed")
	}
	assert.ErrorIs(t, f.window.Eval(ReloadScript), errWindowClosed)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "page connection should be dropped")
}

func TestBrowserWindow_ClosesWhenPageLeaves(t *testing.T) {
	f := newWindow(t, 50*time.Millisecond)
	conn := f.dialLive(t)
	require.Eventually(t, func() bool { return f.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	select {
	case <-f.window.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("window should close once the page is gone")
	}
}

func TestBrowserWindow_ReloadKeepsWindow(t *testing.T) {
	f := newWindow(t, 300*time.Millisecond)
	first := f.dialLive(t)
	require.Eventually(t, func() bool { return f.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	first.Close()
	second := f.dialLive(t)
	defer second.Close()
	require.Eventually(t, func() bool { return f.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	select {
	case <-f.window.Closed():
		t.Fatal("window closed although a page reconnected")
	default:
	}
}

func TestBrowserWindow_StaysOpenBeforeFirstPage(t *testing.T) {
	f := newWindow(t, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	select {
	case <-f.window.Closed():
		t.Fatal("window closed before any page connected")
	default:
	}
}
