package replication

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagnerlima/mapeo-server/internal/models"
	"github.com/wagnerlima/mapeo-server/internal/storage"
)

func newTestEngine(t *testing.T, store Replica, cfg Config) *Engine {
	t.Helper()
	if cfg.SyncAddr == "" {
		cfg.SyncAddr = "127.0.0.1:0"
	}
	e := New(store, cfg, zerolog.Nop())
	t.Cleanup(func() { e.Close() })
	return e
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, 0, len(events))
	for _, ev := range events {
		if ev.Kind == EventProgress {
			continue
		}
		out = append(out, ev.Kind)
	}
	return out
}

func TestReplicateFile(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	b := openTestStore(t)
	archive := filepath.Join(t.TempDir(), "sync", "archive.mapeodata")

	docA, err := a.Create(ctx, models.Record{"from": "a"})
	require.NoError(t, err)
	docB, err := b.Create(ctx, models.Record{"from": "b"})
	require.NoError(t, err)

	events := drain(t, newTestEngine(t, a, Config{DeviceID: "a"}).ReplicateFile(ctx, archive))
	assert.Equal(t, []EventKind{EventStarted, EventComplete}, kinds(events))

	events = drain(t, newTestEngine(t, b, Config{DeviceID: "b"}).ReplicateFile(ctx, archive))
	assert.Equal(t, []EventKind{EventStarted, EventComplete}, kinds(events))
	var last Progress
	for _, ev := range events {
		if ev.Kind == EventProgress {
			last = ev.Progress
		}
	}
	assert.Equal(t, Progress{Sent: 1, Received: 1, Total: 2}, last)

	// b picked up a's document through the archive
	assert.Equal(t, []string{docA.Version}, versions(t, b, docA.ID))

	file, err := storage.Open(archive)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, []string{docA.Version}, versions(t, file, docA.ID))
	assert.Equal(t, []string{docB.Version}, versions(t, file, docB.ID))
}

func TestReplicateFileBadPath(t *testing.T) {
	a := openTestStore(t)
	dir := t.TempDir()
	events := drain(t, newTestEngine(t, a, Config{DeviceID: "a"}).ReplicateFile(context.Background(), dir))
	require.Equal(t, []EventKind{EventStarted, EventError}, kinds(events))
	assert.Error(t, events[len(events)-1].Err)
}

func TestReplicatePeer(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	b := openTestStore(t)
	docA, err := a.Create(ctx, models.Record{"from": "a"})
	require.NoError(t, err)
	docB, err := b.Create(ctx, models.Record{"from": "b"})
	require.NoError(t, err)

	server := newTestEngine(t, a, Config{DeviceID: "a"})
	require.NoError(t, server.Announce(ctx))
	require.NoError(t, server.Announce(ctx), "announcing twice is a no-op")
	port := server.Port()
	require.NotZero(t, port)

	client := newTestEngine(t, b, Config{DeviceID: "b"})
	events := drain(t, client.ReplicatePeer(ctx, "127.0.0.1", port))
	require.Equal(t, []EventKind{EventStarted, EventComplete}, kinds(events))

	assert.Equal(t, []string{docA.Version}, versions(t, b, docA.ID))
	// the serving side imports once its half of the exchange ends
	require.Eventually(t, func() bool {
		heads, err := a.Get(ctx, docB.ID)
		return err == nil && len(heads) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, server.Unannounce(ctx))
	assert.Zero(t, server.Port())
	events = drain(t, client.ReplicatePeer(ctx, "127.0.0.1", port))
	assert.Equal(t, []EventKind{EventStarted, EventError}, kinds(events))
}

func TestInboundBadHelloLeavesEngineServing(t *testing.T) {
	ctx := context.Background()
	a := openTestStore(t)
	doc, err := a.Create(ctx, models.Record{"from": "a"})
	require.NoError(t, err)

	server := newTestEngine(t, a, Config{DeviceID: "a"})
	require.NoError(t, server.Announce(ctx))
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(server.Port()))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"type":"hello","version":1,"device_id":"intruder","count":-1}` + "\n"))
	require.NoError(t, err)
	// the server drops the connection instead of going down
	_, _ = io.ReadAll(conn)
	conn.Close()

	b := openTestStore(t)
	client := newTestEngine(t, b, Config{DeviceID: "b"})
	events := drain(t, client.ReplicatePeer(ctx, "127.0.0.1", server.Port()))
	require.Equal(t, []EventKind{EventStarted, EventComplete}, kinds(events))
	assert.Equal(t, []string{doc.Version}, versions(t, b, doc.ID))
}

func TestReplicatePeerAbortedByClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		// accept and stay silent
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	e := New(openTestStore(t), Config{DeviceID: "a"}, zerolog.Nop())
	s := e.ReplicatePeer(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)

	first := <-s.Events()
	require.Equal(t, EventStarted, first.Kind)
	require.NoError(t, e.Close())

	events := drain(t, s)
	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	assert.Equal(t, EventError, terminal.Kind)
	assert.ErrorIs(t, terminal.Err, ErrAborted)

	events = drain(t, e.ReplicateFile(context.Background(), filepath.Join(t.TempDir(), "x.db")))
	require.Len(t, events, 1, "a closed engine refuses new sessions")
	assert.ErrorIs(t, events[0].Err, ErrAborted)
}

func TestDiscoveryOverLoopback(t *testing.T) {
	ctx := context.Background()
	listener := newTestEngine(t, openTestStore(t), Config{
		DeviceID:      "listener",
		DiscoveryAddr: "127.0.0.1:0",
		TargetTTL:     time.Minute,
	})
	require.NoError(t, listener.Start(ctx))
	discovery := listener.DiscoveryAddr().(*net.UDPAddr)

	announcer := newTestEngine(t, openTestStore(t), Config{
		DeviceID:       "announcer",
		DeviceName:     "field tablet",
		BeaconAddr:     fmt.Sprintf("127.0.0.1:%d", discovery.Port),
		BeaconInterval: 50 * time.Millisecond,
	})
	require.NoError(t, announcer.Announce(ctx))

	require.Eventually(t, func() bool { return len(listener.Targets()) == 1 }, 5*time.Second, 20*time.Millisecond)
	target := listener.Targets()[0]
	assert.Equal(t, models.Target{
		Name:     "field tablet",
		DeviceID: "announcer",
		Host:     "127.0.0.1",
		Port:     announcer.Port(),
		Type:     TargetTypeWifi,
	}, target)
	assert.Equal(t, "wifi", target.Type)
}

func TestPeerTableExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	table := newPeerTable(10 * time.Second)
	table.now = func() time.Time { return now }

	table.observe(beacon{DeviceID: "b", Name: "beta", Port: 1}, "10.0.0.2")
	table.observe(beacon{DeviceID: "a", Name: "alpha", Port: 2}, "10.0.0.1")
	got := table.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name)

	now = now.Add(5 * time.Second)
	table.observe(beacon{DeviceID: "b", Name: "beta", Port: 3}, "10.0.0.2")
	now = now.Add(6 * time.Second)

	got = table.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].DeviceID)
	assert.Equal(t, 3, got[0].Port, "latest beacon wins")
}
