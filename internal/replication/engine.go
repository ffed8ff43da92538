// Package replication moves revisions between stores: over TCP to peers
// found through UDP discovery, or into a SQLite archive file.
package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wagnerlima/mapeo-server/internal/models"
	"github.com/wagnerlima/mapeo-server/internal/storage"
)

// Config holds the network settings of an Engine.
type Config struct {
	DeviceID   string
	DeviceName string
	// SyncAddr is the TCP address peers replicate against while announcing.
	SyncAddr string
	// DiscoveryAddr is the UDP address beacons are read from.
	DiscoveryAddr string
	// BeaconAddr is where beacons are sent, normally a broadcast address.
	BeaconAddr     string
	BeaconInterval time.Duration
	TargetTTL      time.Duration
}

// Engine discovers peers and runs replication sessions against peers and
// archive files. Sessions are independent of each other and of the
// announcing state.
type Engine struct {
	store Replica
	cfg   Config
	log   zerolog.Logger
	peers *peerTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	discovery net.PacketConn
	listener  net.Listener
	stopAnn   context.CancelFunc
	annWG     sync.WaitGroup
	closed    bool
}

// New creates an Engine replicating store. Nothing touches the network
// until Start or Announce.
func New(store Replica, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = 2 * time.Second
	}
	if cfg.TargetTTL <= 0 {
		cfg.TargetTTL = 5 * cfg.BeaconInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:  store,
		cfg:    cfg,
		log:    logger.With().Str("component", "replication").Logger(),
		peers:  newPeerTable(cfg.TargetTTL),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the discovery listener so Targets reflects peers on the
// network. It is a no-op without a DiscoveryAddr.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if e.discovery != nil || e.cfg.DiscoveryAddr == "" {
		return nil
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", e.cfg.DiscoveryAddr)
	if err != nil {
		return fmt.Errorf("listen for beacons: %w", err)
	}
	e.discovery = conn
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		listenBeacons(conn, e.cfg.DeviceID, e.peers, e.log)
	}()
	e.log.Info().Str("addr", conn.LocalAddr().String()).Msg("discovery listening")
	return nil
}

// DiscoveryAddr returns the bound discovery address, or nil before Start.
func (e *Engine) DiscoveryAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discovery == nil {
		return nil
	}
	return e.discovery.LocalAddr()
}

// Announce opens the replication listener and starts broadcasting beacons.
// Announcing twice is a no-op.
func (e *Engine) Announce(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if e.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.cfg.SyncAddr)
	if err != nil {
		return fmt.Errorf("listen for peers: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	annCtx, stop := context.WithCancel(e.ctx)
	e.listener = ln
	e.stopAnn = stop

	e.annWG.Add(1)
	go func() {
		defer e.annWG.Done()
		e.acceptLoop(ln)
	}()
	if e.cfg.BeaconAddr != "" {
		b := beacon{DeviceID: e.cfg.DeviceID, Name: e.cfg.DeviceName, Port: port}
		e.annWG.Add(1)
		go func() {
			defer e.annWG.Done()
			broadcastBeacons(annCtx, e.cfg.BeaconAddr, e.cfg.BeaconInterval, b, e.log)
		}()
	}
	e.log.Info().Int("port", port).Msg("announcing")
	return nil
}

// Unannounce stops the beacons and the replication listener. Sessions a
// peer already opened run to completion.
func (e *Engine) Unannounce(ctx context.Context) error {
	e.mu.Lock()
	ln, stop := e.listener, e.stopAnn
	e.listener, e.stopAnn = nil, nil
	e.mu.Unlock()
	if ln == nil {
		return nil
	}

	stop()
	err := ln.Close()

	done := make(chan struct{})
	go func() {
		e.annWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.log.Info().Msg("stopped announcing")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Port returns the replication listener port, or 0 when not announcing.
func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return 0
	}
	return e.listener.Addr().(*net.TCPAddr).Port
}

// Targets returns the peers heard from recently.
func (e *Engine) Targets() []models.Target {
	return e.peers.snapshot()
}

// ReplicatePeer starts a session against the peer listening at host:port.
func (e *Engine) ReplicatePeer(ctx context.Context, host string, port int) *Stream {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return e.session(ctx, "peer", addr, func(ctx context.Context, onProgress func(Progress)) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer conn.Close()

		res, err := Exchange(ctx, conn, e.store, e.cfg.DeviceID, onProgress)
		if err != nil {
			return err
		}
		e.log.Info().Str("peer", res.PeerID).Int("sent", res.Sent).Int("received", res.Received).
			Int("imported", res.Imported).Msg("peer replication complete")
		return nil
	})
}

// ReplicateFile starts a session against the archive at filename, creating
// it when it does not exist. Both sides end up holding every revision.
func (e *Engine) ReplicateFile(ctx context.Context, filename string) *Stream {
	return e.session(ctx, "file", filename, func(ctx context.Context, onProgress func(Progress)) error {
		archive, err := storage.Open(filename)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer archive.Close()

		local, remote := net.Pipe()
		defer local.Close()
		defer remote.Close()

		g, gctx := errgroup.WithContext(ctx)
		var res Result
		g.Go(func() error {
			var err error
			res, err = Exchange(gctx, local, e.store, e.cfg.DeviceID, onProgress)
			return err
		})
		g.Go(func() error {
			_, err := Exchange(gctx, remote, archive, "archive", nil)
			return err
		})
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return ErrAborted
			}
			return err
		}
		e.log.Info().Str("file", filename).Int("sent", res.Sent).Int("received", res.Received).
			Int("imported", res.Imported).Msg("file replication complete")
		return nil
	})
}

// session runs fn on its own goroutine and reports through a Stream. The
// session is aborted when ctx is cancelled or the engine is closed.
func (e *Engine) session(ctx context.Context, kind, target string, fn func(context.Context, func(Progress)) error) *Stream {
	s := NewStream()

	e.mu.Lock()
	closed := e.closed
	if !closed {
		e.wg.Add(1)
	}
	e.mu.Unlock()
	if closed {
		go s.Finish(ErrAborted)
		return s
	}

	go func() {
		defer e.wg.Done()
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(e.ctx, cancel)
		defer stop()

		log := e.log.With().Str("kind", kind).Str("target", target).Logger()
		log.Info().Msg("replication started")
		s.EmitStarted()

		err := fn(sctx, s.EmitProgress)
		if err != nil && sctx.Err() != nil {
			err = ErrAborted
		}
		if err != nil {
			log.Warn().Err(err).Msg("replication failed")
		}
		s.Finish(err)
	}()
	return s
}

func (e *Engine) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer conn.Close()
			remote := conn.RemoteAddr().String()
			res, err := Exchange(e.ctx, conn, e.store, e.cfg.DeviceID, nil)
			if err != nil {
				e.log.Warn().Err(err).Str("remote", remote).Msg("inbound replication failed")
				return
			}
			e.log.Info().Str("remote", remote).Str("peer", res.PeerID).Int("imported", res.Imported).
				Msg("inbound replication complete")
		}()
	}
}

// Close stops announcing and discovery, aborts every running session and
// waits for them to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	disc := e.discovery
	e.discovery = nil
	e.mu.Unlock()

	e.cancel()
	err := e.Unannounce(context.Background())
	if disc != nil {
		if cerr := disc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	e.wg.Wait()
	return err
}
