package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"noogle/cmd/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// SaveOutcome describes what SaveWithCoalescing did.
type SaveOutcome string

const (
	// SaveUnchanged: the cache already holds this exact state; nothing written.
	SaveUnchanged SaveOutcome = "unchanged"
	// SaveBaseline: cache was cold but the durable row already matched; only the cache was filled.
	SaveBaseline SaveOutcome = "baseline"
	// SaveWritten: the durable row was overwritten.
	SaveWritten SaveOutcome = "written"
	// SaveMissing: no durable row exists for the id; nothing written.
	SaveMissing SaveOutcome = "missing"
	// SaveFailed: the save returned an error.
	SaveFailed SaveOutcome = "failed"
)

const (
	defaultReadAttempts = 3
	defaultReadBackoff  = 50 * time.Millisecond
)

// Gateway owns all reads and writes of document state.
//
// Concurrency model:
//   - Concurrent first retrievals of the same id in this process share one load.
//   - Across processes, Store.Create tolerates the duplicate insert and the loser re-reads.
//   - The cache read-then-write in SaveWithCoalescing is not atomic; two concurrent
//     saves of one document may both write, last writer wins.
type Gateway struct {
	store   Store
	cache   Cache
	log     *slog.Logger
	metrics *metrics.Collectors

	ttl          time.Duration
	readAttempts int
	readBackoff  time.Duration

	loads singleflight.Group
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway) error

// WithCache enables write coalescing. Without a cache every changed save writes durably.
func WithCache(c Cache) GatewayOption {
	return func(g *Gateway) error {
		g.cache = c
		return nil
	}
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) GatewayOption {
	return func(g *Gateway) error {
		if ttl <= 0 {
			return errors.New("document: cache ttl must be positive")
		}
		g.ttl = ttl
		return nil
	}
}

func WithLogger(log *slog.Logger) GatewayOption {
	return func(g *Gateway) error {
		if log != nil {
			g.log = log
		}
		return nil
	}
}

func WithMetrics(m *metrics.Collectors) GatewayOption {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithReadRetry sets how many times an idempotent read is attempted and the
// initial backoff between attempts (doubled after each failure).
func WithReadRetry(attempts int, backoff time.Duration) GatewayOption {
	return func(g *Gateway) error {
		if attempts < 1 {
			return errors.New("document: read attempts must be >= 1")
		}
		if backoff < 0 {
			return errors.New("document: negative read backoff")
		}
		g.readAttempts = attempts
		g.readBackoff = backoff
		return nil
	}
}

// NewGateway constructs a Gateway over store.
func NewGateway(store Store, opts ...GatewayOption) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("document: nil store")
	}
	g := &Gateway{
		store:        store,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttl:          DefaultCacheTTL,
		readAttempts: defaultReadAttempts,
		readBackoff:  defaultReadBackoff,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// RetrieveOrCreate returns the current state of id, creating the document with
// an empty state when it does not exist yet.
func (g *Gateway) RetrieveOrCreate(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	if id == uuid.Nil {
		return nil, ErrInvalidInput
	}

	v, err, _ := g.loads.Do(id.String(), func() (any, error) {
		return g.retrieveOrCreate(ctx, id)
	})
	if err != nil {
		g.metrics.Load("failed")
		return nil, err
	}
	return clone(v.(json.RawMessage)), nil
}

func (g *Gateway) retrieveOrCreate(ctx context.Context, id uuid.UUID) (json.RawMessage, error) {
	doc, err := g.read(ctx, id)
	if err == nil {
		g.metrics.Load("existing")
		return doc.Delta, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("retrieve %s: %w", id, err)
	}

	created, err := g.store.Create(ctx, Document{ID: id, Delta: emptyState})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	if created {
		g.log.Info("document.create", "doc_id", id.String())
		g.metrics.Load("created")
		return clone(emptyState), nil
	}

	// Lost the insert race to another process; its row is the one that counts.
	doc, err = g.read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("re-read %s: %w", id, err)
	}
	g.metrics.Load("existing")
	return doc.Delta, nil
}

// SaveWithCoalescing persists state for id unless the coalescing cache shows
// it was already persisted.
//
//   - cache hit, same state: no-op.
//   - cache hit, different state: overwrite the row, refresh the cache.
//   - cache miss: compare with the durable row; write only when it differs, then fill the cache.
//   - cache error: treated as a miss that always writes durably.
func (g *Gateway) SaveWithCoalescing(ctx context.Context, id uuid.UUID, state json.RawMessage) (SaveOutcome, error) {
	outcome, err := g.save(ctx, id, state)
	if err != nil {
		outcome = SaveFailed
	}
	g.metrics.Save(string(outcome))
	return outcome, err
}

func (g *Gateway) save(ctx context.Context, id uuid.UUID, state json.RawMessage) (SaveOutcome, error) {
	if id == uuid.Nil {
		return SaveFailed, ErrInvalidInput
	}
	canonical, err := Canonicalize(state)
	if err != nil {
		return SaveFailed, err
	}

	key := CacheKey(id)
	cached, hit, degraded := g.cacheGet(ctx, key)
	if hit && cached == string(canonical) {
		return SaveUnchanged, nil
	}

	doc, err := g.read(ctx, id)
	if errors.Is(err, ErrNotFound) {
		g.log.Warn("document.save.missing", "doc_id", id.String())
		return SaveMissing, nil
	}
	if err != nil {
		return SaveFailed, fmt.Errorf("save %s: %w", id, err)
	}

	if !hit && !degraded {
		if stored, err := Canonicalize(doc.Delta); err == nil && bytes.Equal(stored, canonical) {
			g.cacheSet(ctx, key, string(canonical))
			return SaveBaseline, nil
		}
	}

	doc.Delta = canonical
	if err := g.store.Update(ctx, doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			g.log.Warn("document.save.missing", "doc_id", id.String())
			return SaveMissing, nil
		}
		return SaveFailed, fmt.Errorf("save %s: %w", id, err)
	}
	g.log.Debug("document.save.write", "doc_id", id.String(), "bytes", len(canonical))

	g.cacheSet(ctx, key, string(canonical))
	return SaveWritten, nil
}

// cacheGet reports degraded=true when the cache could not be consulted.
func (g *Gateway) cacheGet(ctx context.Context, key string) (value string, hit, degraded bool) {
	if g.cache == nil {
		return "", false, true
	}
	v, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.metrics.CacheError("get")
		g.log.Warn("document.cache.get.fail", "key", key, "err", err)
		return "", false, true
	}
	return v, ok, false
}

func (g *Gateway) cacheSet(ctx context.Context, key, value string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, value, g.ttl); err != nil {
		g.metrics.CacheError("set")
		g.log.Warn("document.cache.set.fail", "key", key, "err", err)
	}
}

// read retries transient failures. ErrNotFound and context errors are final.
func (g *Gateway) read(ctx context.Context, id uuid.UUID) (Document, error) {
	backoff := g.readBackoff
	for attempt := 1; ; attempt++ {
		doc, err := g.store.Get(ctx, id)
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil || attempt >= g.readAttempts {
			return doc, err
		}

		g.log.Warn("document.read.retry", "doc_id", id.String(), "attempt", attempt, "err", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return Document{}, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

// Canonicalize returns the compact serialized form used for cache comparison
// and storage. Whitespace differences do not count as changes.
func Canonicalize(state json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(state)) == 0 {
		return nil, ErrInvalidInput
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return buf.Bytes(), nil
}
