// Package observation implements validated, versioned CRUD over
// observations and the migration of historical observation schemas.
package observation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
	"github.com/wagnerlima/mapeo-server/internal/models"
	"github.com/wagnerlima/mapeo-server/internal/storage"
)

const (
	TypeObservation = "observation"
	TypeNode        = "node"

	// timeLayout matches the millisecond ISO-8601 stamps of existing data.
	timeLayout = "2006-01-02T15:04:05.000Z"
)

// Store is the versioned document store the service writes to.
type Store interface {
	Create(ctx context.Context, value models.Record) (models.Node, error)
	Put(ctx context.Context, id string, value models.Record, links []string) (models.Node, error)
	Get(ctx context.Context, id string) ([]models.Node, error)
	GetByVersion(ctx context.Context, version string) (models.Node, error)
	Delete(ctx context.Context, id string) error
	Batch(ctx context.Context, ops []storage.Op) ([]models.Node, error)
	Heads(ctx context.Context, fn func(models.Node) error) error
}

// Service implements the observation operations on top of a Store.
type Service struct {
	store  Store
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides how element ids are allocated by Convert.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService creates a Service backed by store.
func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		log:    logger.With().Str("component", "observation").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
		tracer: otel.Tracer("github.com/wagnerlima/mapeo-server/internal/observation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create validates payload and stores it as the first revision of a new
// observation. The stored record is returned with its id and version.
func (s *Service) Create(ctx context.Context, payload []byte) (rec models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "observation.Create")
	defer func() { endSpan(span, err) }()

	raw, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}
	m, err := NewMutable(raw.(map[string]any))
	if err != nil {
		return nil, err
	}

	obs := m.ApplyTo(models.Record{})
	obs["type"] = TypeObservation
	if m.SchemaVersion == nil {
		obs["schemaVersion"] = CurrentSchema
	}
	stamp := s.timestamp()
	obs["timestamp"] = stamp
	obs["created_at"] = stamp

	node, err := s.store.Create(ctx, obs)
	if err != nil {
		return nil, apierr.StoreFailure(fmt.Errorf("create observation: %w", err))
	}
	out := obs.Clone()
	out["id"] = node.ID
	out["version"] = node.Version

	span.SetAttributes(attribute.String("observation.id", node.ID))
	s.log.Debug().Str("id", node.ID).Str("version", node.Version).Msg("observation created")
	return out, nil
}

// Get returns every head revision of id, canonicalized. An unknown id
// yields an empty slice.
func (s *Service) Get(ctx context.Context, id string) (out []models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "observation.Get", trace.WithAttributes(attribute.String("observation.id", id)))
	defer func() { endSpan(span, err) }()

	nodes, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apierr.StoreFailure(fmt.Errorf("get observation %s: %w", id, err))
	}
	out = make([]models.Record, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Canonicalize(flatten(n)))
	}
	return out, nil
}

// List scans every head revision in the store and returns the canonical
// observations among them. The whole result is held in memory. A non-empty
// filter is an expr-lang boolean expression evaluated against each
// observation; evaluation errors count as a non-match.
func (s *Service) List(ctx context.Context, filter string) (out []models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "observation.List")
	defer func() { endSpan(span, err) }()

	var program *vm.Program
	if filter != "" {
		program, err = expr.Compile(filter, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, apierr.InvalidFields(fmt.Sprintf("invalid filter: %v", err))
		}
	}

	out = []models.Record{}
	err = s.store.Heads(ctx, func(n models.Node) error {
		obs := Canonicalize(flatten(n))
		if obs["type"] != TypeObservation {
			return nil
		}
		if program != nil {
			ok, err := expr.Run(program, map[string]any(obs))
			if err != nil || ok != true {
				return nil
			}
		}
		out = append(out, obs)
		return nil
	})
	if err != nil {
		return nil, apierr.StoreFailure(fmt.Errorf("list observations: %w", err))
	}
	span.SetAttributes(attribute.Int("observation.count", len(out)))
	return out, nil
}

// Update writes a new revision of id that supersedes the version named in
// the payload. A version that is unknown or no longer a head yields
// NoVersion; the client is expected to re-fetch and retry.
func (s *Service) Update(ctx context.Context, id string, payload []byte) (rec models.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "observation.Update", trace.WithAttributes(attribute.String("observation.id", id)))
	defer func() { endSpan(span, err) }()

	raw, err := decode(payload)
	if err != nil {
		return nil, err
	}
	obs, _ := raw.(map[string]any)
	version, ok := models.Record(obs).String("version")
	if !ok {
		return nil, apierr.New(apierr.CodeInvalidFields, `the given observation must have a "version" set`)
	}
	if payloadID, _ := models.Record(obs).String("id"); payloadID != id {
		return nil, apierr.TypeMismatch(payloadID, id)
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}
	m, err := NewMutable(obs)
	if err != nil {
		return nil, err
	}

	parent, err := s.store.GetByVersion(ctx, version)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.NoVersion()
	}
	if err != nil {
		return nil, apierr.StoreFailure(fmt.Errorf("lookup version %s: %w", version, err))
	}
	if parent.ID != id {
		return nil, apierr.TypeMismatch(parent.ID, id)
	}

	next := m.ApplyTo(parent.Value)
	delete(next, "id")
	delete(next, "version")
	next["type"] = TypeObservation
	next["timestamp"] = s.timestamp()

	node, err := s.store.Put(ctx, id, next, []string{version})
	if errors.Is(err, storage.ErrConflict) {
		return nil, apierr.NoVersion()
	}
	if err != nil {
		return nil, apierr.StoreFailure(fmt.Errorf("update observation %s: %w", id, err))
	}
	out := next.Clone()
	out["id"] = id
	out["version"] = node.Version

	s.log.Debug().Str("id", id).Str("parent", version).Str("version", node.Version).Msg("observation updated")
	return out, nil
}

// Delete removes id and its whole history.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "observation.Delete", trace.WithAttributes(attribute.String("observation.id", id)))
	defer func() { endSpan(span, err) }()

	if err := s.store.Delete(ctx, id); err != nil {
		return apierr.StoreFailure(fmt.Errorf("delete observation %s: %w", id, err))
	}
	s.log.Debug().Str("id", id).Msg("observation deleted")
	return nil
}

// Convert creates a map element from observation id and links it through
// tags.element_id. Calling it again returns the same element id.
func (s *Service) Convert(ctx context.Context, id string) (elementID string, err error) {
	ctx, span := s.tracer.Start(ctx, "observation.Convert", trace.WithAttributes(attribute.String("observation.id", id)))
	defer func() { endSpan(span, err) }()

	heads, err := s.store.Get(ctx, id)
	if err != nil {
		return "", apierr.StoreFailure(fmt.Errorf("get observation %s: %w", id, err))
	}
	if len(heads) == 0 {
		return "", apierr.NotFound("failed to lookup observation")
	}
	for _, h := range heads {
		if eid, ok := h.Value.Tags()["element_id"].(string); ok && eid != "" {
			return eid, nil
		}
	}

	elementID = s.newID()
	obs := heads[0].Value.Clone()
	delete(obs, "id")
	delete(obs, "version")

	element := obs.Clone()
	element["type"] = TypeNode

	tags := map[string]any{}
	for k, v := range obs.Tags() {
		tags[k] = v
	}
	tags["element_id"] = elementID
	obs["tags"] = tags

	links := make([]string, 0, len(heads))
	for _, h := range heads {
		links = append(links, h.Version)
	}

	_, err = s.store.Batch(ctx, []storage.Op{
		{ID: elementID, Value: element},
		{ID: id, Value: obs, Links: links},
	})
	if errors.Is(err, storage.ErrConflict) {
		return "", apierr.NoVersion()
	}
	if err != nil {
		return "", apierr.StoreFailure(fmt.Errorf("convert observation %s: %w", id, err))
	}
	s.log.Debug().Str("id", id).Str("element_id", elementID).Msg("observation converted")
	return elementID, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func decode(payload []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, apierr.JSONParseError(err)
	}
	return raw, nil
}

// flatten attaches the store identity to a revision's value.
func flatten(n models.Node) models.Record {
	rec := n.Value.Clone()
	rec["id"] = n.ID
	rec["version"] = n.Version
	return rec
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
