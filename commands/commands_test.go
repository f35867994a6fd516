package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"peershare/config"
	"peershare/datastore/leveldb"
	"peershare/swarm/client"
	"peershare/swarm/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRegistry(t *testing.T) string {
	t.Helper()
	store, err := leveldb.NewPeerIndex(leveldb.Options{})
	require.NoError(t, err)

	svc, err := registry.NewService(store, registry.Options{ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		store.Close()
	})
	return svc.Addr().String()
}

func testConfig(t *testing.T, registryAddr, identity string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewEmptyConfig(filepath.Join(dir, "config.json"))
	cfg.Peer.Identity = identity
	cfg.Peer.RegistryAddress = registryAddr
	cfg.Peer.ControlListen = "127.0.0.1:0"
	cfg.Peer.TransferListen = "127.0.0.1:0"
	cfg.Peer.AdvertiseHost = "127.0.0.1"
	cfg.Peer.SharePath = filepath.Join(dir, "share")
	cfg.Peer.DownloadPath = filepath.Join(dir, "downloads")
	cfg.Discovery.Timeout = config.Duration(100 * time.Millisecond)
	cfg.Discovery.Attempts = 4
	return cfg
}

func TestRunInitCreatesDirectoriesAndConfig(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:7070", "dave")
	require.NoError(t, RunInit(context.Background(), cfg))

	assert.DirExists(t, cfg.Peer.SharePath)
	assert.DirExists(t, cfg.Peer.DownloadPath)

	loaded, err := config.NewConfigFromFile(filepath.Join(filepath.Dir(cfg.Peer.SharePath), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "dave", loaded.Peer.Identity)
}

func TestShellUsageAndHelp(t *testing.T) {
	var out bytes.Buffer
	sh := &shell{out: &out}
	ctx := context.Background()

	assert.True(t, sh.exec(ctx, ""))
	assert.True(t, sh.exec(ctx, "who"))
	assert.True(t, sh.exec(ctx, "get dave"))
	assert.True(t, sh.exec(ctx, "frobnicate"))
	assert.True(t, sh.exec(ctx, "help"))
	assert.False(t, sh.exec(ctx, "quit"))

	text := out.String()
	assert.Contains(t, text, "usage: who <file>")
	assert.Contains(t, text, "usage: get <peer> <file>")
	assert.Contains(t, text, `unknown command "frobnicate"`)
	assert.Contains(t, text, "get <peer> <file>    download a file from a peer")
}

func TestPeersShareThroughShell(t *testing.T) {
	addr := startRegistry(t)
	ctx := context.Background()

	daveCfg := testConfig(t, addr, "dave")
	require.NoError(t, os.MkdirAll(daveCfg.Peer.SharePath, 0755))
	film := bytes.Repeat([]byte("frame"), 10000)
	require.NoError(t, os.WriteFile(filepath.Join(daveCfg.Peer.SharePath, "film.mkv"), film, 0644))

	daveIn, daveInput := io.Pipe()
	var daveOut bytes.Buffer
	daveDone := make(chan error, 1)
	go func() { daveDone <- RunPeer(ctx, daveCfg, daveIn, &daveOut) }()

	observer, err := client.Dial(addr, "", retryPolicy(daveCfg))
	require.NoError(t, err)
	defer observer.Close()

	require.Eventually(t, func() bool {
		snap, err := observer.List(ctx)
		if err != nil {
			return false
		}
		rec, ok := snap.Lookup("dave")
		return ok && len(rec.Files) == 1
	}, 5*time.Second, 20*time.Millisecond)

	aliceCfg := testConfig(t, addr, "alice")
	var aliceOut bytes.Buffer
	script := strings.Join([]string{
		"list",
		"who film.mkv",
		"get dave film.mkv",
		"get dave missing.mkv",
		"quit",
	}, "\n")
	require.NoError(t, RunPeer(ctx, aliceCfg, strings.NewReader(script), &aliceOut))

	text := aliceOut.String()
	assert.Contains(t, text, "alice ready")
	assert.Contains(t, text, "film.mkv")
	assert.Contains(t, text, "dave")
	assert.Contains(t, text, "received")
	assert.Contains(t, text, "error:")

	got, err := os.ReadFile(filepath.Join(aliceCfg.Peer.DownloadPath, "film.mkv"))
	require.NoError(t, err)
	assert.Equal(t, film, got)

	daveInput.Close()
	require.NoError(t, <-daveDone)
	assert.Contains(t, daveOut.String(), "dave ready")

	snap, err := observer.List(ctx)
	require.NoError(t, err)
	_, ok := snap.Lookup("dave")
	assert.False(t, ok)
	_, ok = snap.Lookup("alice")
	assert.False(t, ok)
}

func TestRunListPrintsRegistry(t *testing.T) {
	addr := startRegistry(t)
	ctx := context.Background()
	cfg := testConfig(t, addr, "")

	c, err := client.Dial(addr, "carol", retryPolicy(cfg))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Register(ctx, "inc", "127.0.0.1", 4000, 4001)
	require.NoError(t, err)
	_, err = c.Offer(ctx, []string{"notes.txt"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, RunList(ctx, cfg, &out))
	assert.Contains(t, out.String(), "carol")
	assert.Contains(t, out.String(), "notes.txt")
	assert.Contains(t, out.String(), "127.0.0.1:4001")
}

func TestInterruptedPeerStillDeregisters(t *testing.T) {
	addr := startRegistry(t)
	cfg := testConfig(t, addr, "dave")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, input := io.Pipe()
	defer input.Close()
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- RunPeer(ctx, cfg, in, &out) }()

	observer, err := client.Dial(addr, "", retryPolicy(cfg))
	require.NoError(t, err)
	defer observer.Close()

	registered := func() bool {
		snap, err := observer.List(context.Background())
		if err != nil {
			return false
		}
		_, ok := snap.Lookup("dave")
		return ok
	}
	require.Eventually(t, registered, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, registered())
}
