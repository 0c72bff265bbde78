package callnode

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-call/internal/config"
	"p2p-call/internal/contacts"
	"p2p-call/internal/telemetry"
	"p2p-call/internal/uiutil"
)

// capture is a Printer the test can read while the app writes.
type capture struct {
	mu sync.Mutex
	sb strings.Builder
}

func (c *capture) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(&c.sb, format, args...)
}

func (c *capture) Println(args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(&c.sb, args...)
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb.String()
}

func (c *capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sb.Reset()
}

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	conf := config.Default()
	conf.LANDiscovery = false
	conf.ProbeIntervalS = 3600
	conf.ProbeTimeoutMS = 500
	conf.ConnectTimeoutMS = 500
	require.NoError(t, config.Save(filepath.Join(dir, config.FileName), conf))
}

func openApp(t *testing.T, dir, name string) (*App, *capture) {
	t.Helper()
	out := &capture{}
	a, err := New(Config{
		DataDir:    dir,
		Passphrase: "secret",
		Name:       name,
		Bind:       "127.0.0.1:0",
		NoStdin:    true,
	}, out, telemetry.Discard())
	require.NoError(t, err)
	return a, out
}

func newTestApp(t *testing.T, name string) (*App, *capture) {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir)
	a, out := openApp(t, dir, name)
	require.NoError(t, a.Start())
	t.Cleanup(a.StopAll)
	return a, out
}

func TestNameAndBlockUnknownPersist(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)
	a, out := openApp(t, dir, "")
	require.NoError(t, a.Start())
	key := a.PublicKey()

	a.handleCommand("/name Alice")
	a.handleCommand("/blockunknown on")
	assert.Contains(t, out.String(), `you are now "Alice"`)
	assert.Contains(t, out.String(), "unknown callers: blocked")
	a.StopAll()

	b, out := openApp(t, dir, "")
	defer b.StopAll()
	assert.Equal(t, key, b.PublicKey())
	assert.Equal(t, "Alice", b.Username())
	assert.True(t, b.Settings().BlockUnknown)

	b.handleCommand("/blockunknown maybe")
	assert.Contains(t, out.String(), "usage: /blockunknown on|off")
}

func TestContactCommands(t *testing.T) {
	a, out := newTestApp(t, "alice")
	bob, _ := newTestApp(t, "bob")

	a.handleCommand("/add bob " + bob.PublicKey().Hex() + " 127.0.0.1")
	assert.Contains(t, out.String(), "added "+uiutil.Name("bob", bob.PublicKey()))
	c, ok := a.dir.Get(bob.PublicKey())
	require.True(t, ok)
	assert.Equal(t, []string{"127.0.0.1"}, c.Addresses)

	a.handleCommand("/add me " + a.PublicKey().Hex())
	assert.Contains(t, out.String(), "that is you")
	assert.Equal(t, 1, a.dir.Len())

	out.Reset()
	a.handleCommand("/contacts")
	assert.Contains(t, out.String(), bob.PublicKey().Hex()[:8])

	a.handleCommand("/rename 1 Robert Smith")
	c, _ = a.dir.Get(bob.PublicKey())
	assert.Equal(t, "Robert Smith", c.Name)

	a.handleCommand("/block " + bob.PublicKey().Hex()[:10])
	c, _ = a.dir.Get(bob.PublicKey())
	assert.True(t, c.Blocked)
	a.handleCommand("/unblock Robert Smith")
	c, _ = a.dir.Get(bob.PublicKey())
	assert.False(t, c.Blocked)

	out.Reset()
	a.handleCommand("/del nobody")
	assert.Contains(t, out.String(), `no contact "nobody"`)
	a.handleCommand("/del 1")
	assert.Equal(t, 0, a.dir.Len())

	stored, err := a.store.Contacts()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestShareCardRoundTrip(t *testing.T) {
	a, out := newTestApp(t, "alice")
	b, _ := newTestApp(t, "bob")

	b.handleCommand("/share")
	a.handleCommand("/addcard " + strings.TrimSpace(lastLine(t, b)))
	assert.Contains(t, out.String(), "added "+uiutil.Name("bob", b.PublicKey()))
	_, ok := a.dir.Get(b.PublicKey())
	assert.True(t, ok)
}

func lastLine(t *testing.T, a *App) string {
	t.Helper()
	s := strings.TrimSpace(a.ui.(*capture).String())
	lines := strings.Split(s, "\n")
	return lines[len(lines)-1]
}

func TestPingMarksContactOnline(t *testing.T) {
	a, out := newTestApp(t, "alice")
	b, _ := newTestApp(t, "bob")

	a.handleCommand("/add bob " + b.PublicKey().Hex() + " " + string(b.Server.ListenAddr()))
	a.handleCommand("/ping bob")

	require.Eventually(t, func() bool {
		c, _ := a.dir.Get(b.PublicKey())
		return c.State == contacts.StateOnline
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[PING] "+uiutil.Name("bob", b.PublicKey()))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExportImport(t *testing.T) {
	a, _ := newTestApp(t, "alice")
	b, _ := newTestApp(t, "bob")
	c, out := newTestApp(t, "carol")

	a.handleCommand("/add bob " + b.PublicKey().Hex() + " 10.0.0.2")
	a.handleCommand("/add carol " + c.PublicKey().Hex())

	file := filepath.Join(t.TempDir(), "backup.bin")
	a.handleCommand("/export " + file + " pw")

	c.handleCommand("/import " + file + " wrong")
	assert.Contains(t, out.String(), "import:")
	assert.Equal(t, 0, c.dir.Len())

	c.handleCommand("/import " + file + " pw")
	assert.Contains(t, out.String(), "imported 1 new contacts")
	got, ok := c.dir.Get(b.PublicKey())
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.2"}, got.Addresses)
	_, self := c.dir.Get(c.PublicKey())
	assert.False(t, self)
}

func TestCallWithoutCurrentCall(t *testing.T) {
	a, out := newTestApp(t, "alice")
	a.handleCommand("/hangup")
	a.handleCommand("/accept")
	assert.Equal(t, 2, strings.Count(out.String(), "no call in progress"))

	a.handleCommand("/call ghost")
	assert.Contains(t, out.String(), `no contact "ghost"`)
}

func TestEventsAndDiscoverDisabled(t *testing.T) {
	a, out := newTestApp(t, "alice")
	a.handleCommand("/events")
	assert.Contains(t, out.String(), "no calls yet")
	a.handleCommand("/events x")
	assert.Contains(t, out.String(), "usage: /events [n]")
	a.handleCommand("/discover")
	assert.Contains(t, out.String(), "LAN discovery is disabled")
}

func TestQuitStopsRun(t *testing.T) {
	a, _ := newTestApp(t, "alice")
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	a.readStdin(strings.NewReader("\n/quit\n/quit\n"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after /quit")
	}
}

func TestConfigReloadAppliesLogLevel(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)
	a, _ := openApp(t, dir, "alice")
	defer a.StopAll()

	conf := config.Default()
	conf.LogLevel = "warn"
	a.onConfigReload(conf)
	assert.Equal(t, logrus.WarnLevel, a.logger.GetLevel())

	a.cfg.Debug = true
	a.onConfigReload(conf)
	assert.Equal(t, logrus.DebugLevel, a.logger.GetLevel())
}
