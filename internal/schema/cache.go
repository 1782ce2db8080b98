package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/lsm/ccsr/internal/observability"
	"github.com/lsm/ccsr/internal/tracing"
)

// store holds resolved schemas. Implementations are safe for concurrent use.
type store interface {
	get(id ID) (*Schema, bool)
	add(id ID, s *Schema)
	len() int
}

// mapStore is the unbounded store; reads never block.
type mapStore struct {
	m sync.Map
	n atomic.Int64
}

func (s *mapStore) get(id ID) (*Schema, bool) {
	v, ok := s.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Schema), true
}

func (s *mapStore) add(id ID, sc *Schema) {
	if _, loaded := s.m.LoadOrStore(id, sc); !loaded {
		s.n.Add(1)
	}
}

func (s *mapStore) len() int { return int(s.n.Load()) }

// lruStore bounds memory when producers emit many distinct schema ids.
type lruStore struct {
	c *lru.Cache[ID, *Schema]
}

func (s *lruStore) get(id ID) (*Schema, bool) { return s.c.Get(id) }
func (s *lruStore) add(id ID, sc *Schema)     { s.c.Add(id, sc) }
func (s *lruStore) len() int                  { return s.c.Len() }

// Cache resolves schema ids to parsed schemas, fetching from the registry on a miss.
// Concurrent misses for the same id share a single registry fetch.
type Cache struct {
	registry Registry
	entries  store
	flight   singleflight.Group
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	maxSize  int
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMaxSize bounds the cache to n entries with least-recently-used eviction.
// Zero or negative means unbounded.
func WithMaxSize(n int) CacheOption {
	return func(c *Cache) { c.maxSize = n }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// WithCacheMetrics reports lookups and fetches to m.
func WithCacheMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithCacheTracer traces every registry fetch. Cache hits are not traced.
func WithCacheTracer(t trace.Tracer) CacheOption {
	return func(c *Cache) { c.tracer = t }
}

// NewCache creates a schema cache in front of reg.
func NewCache(reg Registry, opts ...CacheOption) (*Cache, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	c := &Cache{
		registry: reg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxSize > 0 {
		l, err := lru.New[ID, *Schema](c.maxSize)
		if err != nil {
			return nil, fmt.Errorf("lru cache: %w", err)
		}
		c.entries = &lruStore{c: l}
	} else {
		c.entries = &mapStore{}
	}
	return c, nil
}

// Resolve returns the schema for id.
//
// Errors wrap ErrSchemaUnavailable when the registry cannot be reached or does
// not know the id, and ErrSchemaInvalid when it returns unusable data.
// Failures are not cached.
func (c *Cache) Resolve(ctx context.Context, id ID) (*Schema, error) {
	if s, ok := c.entries.get(id); ok {
		c.lookup("hit")
		return s, nil
	}
	c.lookup("miss")

	v, err, shared := c.flight.Do(strconv.Itoa(int(id)), func() (any, error) {
		// A flight that finished between our miss and this call already stored the entry.
		if s, ok := c.entries.get(id); ok {
			return s, nil
		}
		return c.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("schema fetch coalesced", "schema_id", int(id))
	}
	return v.(*Schema), nil
}

// Len returns the number of cached schemas.
func (c *Cache) Len() int {
	return c.entries.len()
}

func (c *Cache) fetch(ctx context.Context, id ID) (s *Schema, err error) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanSchemaResolve,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.SchemaIDAttr(int(id))),
	)
	defer func() {
		if err != nil {
			tracing.SetSpanError(span, err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
	}()

	raw, err := c.registry.FetchSchema(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSchemaInvalid) {
			c.fetched("invalid")
			return nil, err
		}
		c.fetched("unavailable")
		return nil, fmt.Errorf("%w: schema %d: %w", ErrSchemaUnavailable, id, err)
	}

	s, err = Parse(id, raw)
	if err != nil {
		c.fetched("invalid")
		return nil, err
	}
	c.entries.add(id, s)
	c.fetched("ok")
	if c.metrics != nil {
		c.metrics.SchemaCacheSize.Set(float64(c.entries.len()))
	}
	c.logger.Info("schema resolved", "schema_id", int(id), "name", s.Name, "fields", len(s.Fields))
	return s, nil
}

func (c *Cache) lookup(result string) {
	if c.metrics != nil {
		c.metrics.SchemaCacheLookups.WithLabelValues(result).Inc()
	}
}

func (c *Cache) fetched(status string) {
	if c.metrics != nil {
		c.metrics.SchemaFetches.WithLabelValues(status).Inc()
	}
}
