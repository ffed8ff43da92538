package replication

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wagnerlima/mapeo-server/internal/models"
)

// ProtocolVersion is sent in the hello frame. Peers speaking another
// version are refused.
const ProtocolVersion = 1

const (
	frameHello    = "hello"
	frameRevision = "revision"
	frameDone     = "done"

	maxFrameSize = 32 << 20
	flushEvery   = 64
	// the peer's announced count is only a hint
	maxPrealloc = 1024
)

// Replica is the side of a store that takes part in replication.
type Replica interface {
	Revisions(ctx context.Context) ([]models.Revision, error)
	Import(ctx context.Context, revs []models.Revision) (int, error)
}

type frame struct {
	Type     string           `json:"type"`
	Version  int              `json:"version,omitempty"`
	DeviceID string           `json:"device_id,omitempty"`
	Count    int              `json:"count,omitempty"`
	Revision *models.Revision `json:"revision,omitempty"`
}

// Result summarises a finished exchange.
type Result struct {
	PeerID   string
	Sent     int
	Received int
	Imported int
}

// Exchange runs the symmetric replication protocol over conn. Both sides
// send a hello, every revision they hold and a done frame, concurrently
// reading the peer's frames. Received revisions are imported once the peer
// is done. onProgress, when set, is called after every frame moved.
//
// If conn is an io.Closer it is closed when ctx is cancelled, which is how
// a blocked exchange is aborted.
func Exchange(ctx context.Context, conn io.ReadWriter, local Replica, deviceID string, onProgress func(Progress)) (Result, error) {
	revs, err := local.Revisions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load revisions: %w", err)
	}

	var (
		mu   sync.Mutex
		prog = Progress{Total: len(revs)}
	)
	report := func(update func(*Progress)) {
		mu.Lock()
		defer mu.Unlock()
		update(&prog)
		if onProgress != nil {
			onProgress(prog)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if c, ok := conn.(io.Closer); ok {
		stop := context.AfterFunc(gctx, func() { c.Close() })
		defer stop()
	}

	var (
		peerID   string
		received []models.Revision
	)

	g.Go(func() error {
		w := bufio.NewWriter(conn)
		enc := json.NewEncoder(w)
		if err := enc.Encode(frame{Type: frameHello, Version: ProtocolVersion, DeviceID: deviceID, Count: len(revs)}); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
		for i := range revs {
			if err := enc.Encode(frame{Type: frameRevision, Revision: &revs[i]}); err != nil {
				return fmt.Errorf("send revision: %w", err)
			}
			if (i+1)%flushEvery == 0 {
				if err := w.Flush(); err != nil {
					return fmt.Errorf("send revision: %w", err)
				}
			}
			report(func(p *Progress) { p.Sent++ })
		}
		if err := enc.Encode(frame{Type: frameDone}); err != nil {
			return fmt.Errorf("send done: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("send done: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, 64*1024), maxFrameSize)

		hello, err := readFrame(sc)
		if err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
		if hello.Type != frameHello {
			return fmt.Errorf("expected hello frame, got %q", hello.Type)
		}
		if hello.Version != ProtocolVersion {
			return fmt.Errorf("unsupported protocol version %d", hello.Version)
		}
		if hello.Count < 0 {
			return fmt.Errorf("invalid revision count %d in hello", hello.Count)
		}
		peerID = hello.DeviceID
		received = make([]models.Revision, 0, min(hello.Count, maxPrealloc))
		report(func(p *Progress) { p.Total += hello.Count })

		for {
			f, err := readFrame(sc)
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
			switch f.Type {
			case frameRevision:
				if f.Revision == nil || f.Revision.ID == "" {
					return errors.New("revision frame without revision")
				}
				received = append(received, *f.Revision)
				report(func(p *Progress) { p.Received++ })
			case frameDone:
				return nil
			default:
				return fmt.Errorf("unexpected %q frame", f.Type)
			}
		}
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrAborted
		}
		return Result{}, err
	}

	imported, err := local.Import(ctx, received)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrAborted
		}
		return Result{}, fmt.Errorf("import revisions: %w", err)
	}
	return Result{PeerID: peerID, Sent: len(revs), Received: len(received), Imported: imported}, nil
}

func readFrame(sc *bufio.Scanner) (frame, error) {
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return frame{}, fmt.Errorf("decode frame: %w", err)
		}
		return f, nil
	}
	if err := sc.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, io.ErrUnexpectedEOF
}
