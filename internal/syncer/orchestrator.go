// Package syncer exposes device discovery and replication sessions as a
// stream of progress notifications.
package syncer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
	"github.com/wagnerlima/mapeo-server/internal/models"
	"github.com/wagnerlima/mapeo-server/internal/replication"
	"github.com/wagnerlima/mapeo-server/internal/session"
	"github.com/wagnerlima/mapeo-server/internal/telemetry"
)

// Notification topics, in the order a session produces them.
const (
	TopicStarted  = "replication-started"
	TopicProgress = "replication-progress"
	TopicComplete = "replication-complete"
	TopicError    = "replication-error"
)

// UsageMessage is returned when a sync target names neither a file nor a peer.
const UsageMessage = "Requires filename or host and port"

// Engine is the replication backend the orchestrator drives.
type Engine interface {
	Announce(ctx context.Context) error
	Unannounce(ctx context.Context) error
	Targets() []models.Target
	ReplicateFile(ctx context.Context, filename string) *replication.Stream
	ReplicatePeer(ctx context.Context, host string, port int) *replication.Stream
}

// Orchestrator owns the announcing state and the active replication
// sessions. Sessions run on the orchestrator's lifetime, so a caller that
// goes away does not abort them; Close does.
type Orchestrator struct {
	engine   Engine
	log      zerolog.Logger
	sessions *session.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	announcing bool
}

// New creates an Orchestrator over engine.
func New(engine Engine, logger zerolog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		engine:   engine,
		log:      logger.With().Str("component", "syncer").Logger(),
		sessions: session.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Announce makes this device discoverable and ready to accept peers.
func (o *Orchestrator) Announce(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.engine.Announce(ctx); err != nil {
		return apierr.Wrap(apierr.CodeStoreFailure, "announce failed", err)
	}
	o.announcing = true
	return nil
}

// Unannounce stops advertising this device.
func (o *Orchestrator) Unannounce(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.engine.Unannounce(ctx); err != nil {
		return apierr.Wrap(apierr.CodeStoreFailure, "unannounce failed", err)
	}
	o.announcing = false
	return nil
}

// Announcing reports whether the device is currently announcing.
func (o *Orchestrator) Announcing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.announcing
}

// Targets returns the peers currently visible.
func (o *Orchestrator) Targets() []models.Target {
	targets := o.engine.Targets()
	if targets == nil {
		return []models.Target{}
	}
	return targets
}

// Sessions returns the replication sessions currently running.
func (o *Orchestrator) Sessions() []session.Session {
	return o.sessions.Active()
}

// Replicate runs one replication session against target and passes each
// notification to send as it happens. It returns once the session has
// ended. A target naming neither a file nor a host and port is rejected
// before any session starts.
//
// The first error from send stops further delivery but not the session.
// Session failures are reported through a replication-error notification,
// not through the returned error.
func (o *Orchestrator) Replicate(ctx context.Context, target models.SyncTarget, send func(models.Notification) error) error {
	kind, desc, err := describe(target)
	if err != nil {
		return err
	}

	sctx, sess, err := o.sessions.Begin(o.ctx, kind, desc)
	if err != nil {
		return apierr.Wrap(apierr.CodeStoreFailure, "sync is shutting down", err)
	}
	defer o.sessions.End(sess)

	log := o.log.With().Uint64("session", sess.ID).Str("kind", kind).Str("target", desc).Logger()

	var stream *replication.Stream
	if kind == "file" {
		stream = o.engine.ReplicateFile(sctx, target.Filename)
	} else {
		stream = o.engine.ReplicatePeer(sctx, target.Host, target.Port)
	}

	telemetry.ReplicationStarted()
	start := time.Now()
	outcome := "abandoned"
	defer func() { telemetry.RecordReplication(kind, outcome, time.Since(start)) }()

	deliver := true
	for ev := range stream.Events() {
		n := notification(ev)
		if deliver {
			if err := send(n); err != nil {
				deliver = false
				log.Warn().Err(err).Str("topic", n.Topic).Msg("caller gone, dropping notifications")
			}
		}
		if ev.Terminal() {
			stream.Close()
			if ev.Kind == replication.EventError {
				outcome = "error"
				log.Warn().Err(ev.Err).Msg("replication error")
			} else {
				outcome = "complete"
				log.Info().Msg("replication complete")
			}
			return nil
		}
	}
	// the engine closed the stream without a terminal event
	stream.Close()
	return nil
}

// Close aborts every running session and waits for them to end.
func (o *Orchestrator) Close() error {
	o.cancel()
	o.sessions.Close()
	return nil
}

func describe(t models.SyncTarget) (kind, desc string, err error) {
	switch {
	case t.Filename != "":
		return "file", t.Filename, nil
	case t.Host != "" && t.Port > 0:
		return "peer", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), nil
	default:
		return "", "", apierr.Usage(UsageMessage)
	}
}

func notification(ev replication.Event) models.Notification {
	switch ev.Kind {
	case replication.EventStarted:
		return models.Notification{Topic: TopicStarted}
	case replication.EventProgress:
		return models.Notification{Topic: TopicProgress, Message: ev.Progress}
	case replication.EventComplete:
		return models.Notification{Topic: TopicComplete}
	default:
		msg := "replication failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return models.Notification{Topic: TopicError, Message: msg}
	}
}
