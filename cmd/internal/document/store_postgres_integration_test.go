package document

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when NOOGLE_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Second run must be a no-op.
	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate again: %v", err)
	}

	store := mustNewStore(t, pool, schema)
	id := uuid.New()

	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: err=%v want ErrNotFound", err)
	}
	if err := store.Update(ctx, Document{ID: id, Delta: json.RawMessage(`{}`)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: err=%v want ErrNotFound", err)
	}

	created, err := store.Create(ctx, Document{ID: id, Delta: json.RawMessage(`{}`)})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	created, err = store.Create(ctx, Document{ID: id, Delta: json.RawMessage(`{"other":1}`)})
	if err != nil || created {
		t.Fatalf("duplicate create: created=%v err=%v", created, err)
	}

	if err := store.Update(ctx, Document{ID: id, Delta: json.RawMessage(`{"ops":[{"insert":"hi"}]}`)}); err != nil {
		t.Fatalf("update: %v", err)
	}

	doc, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(doc.Delta, &got); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if _, ok := got["ops"]; !ok {
		t.Fatalf("unexpected delta: %s", doc.Delta)
	}

	if cnt := mustCountDocuments(t, pool, schema, id); cnt != 1 {
		t.Fatalf("rows=%d want=1", cnt)
	}
}

func TestPostgresStore_ConcurrentCreate_SingleRow(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := mustNewStore(t, pool, schema)

	// Separate gateways model separate server processes (no shared singleflight).
	id := uuid.New()
	const n = 8

	var wg sync.WaitGroup
	wg.Add(n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			gw, err := NewGateway(store)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := gw.RetrieveOrCreate(ctx, id); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("retrieve: %v", err)
	}
	if cnt := mustCountDocuments(t, pool, schema, id); cnt != 1 {
		t.Fatalf("rows=%d want=1", cnt)
	}
}

func TestMigrate_CreatesMissingSchema(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)

	schema := "noogle_it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate into missing schema: %v", err)
	}

	store := mustNewStore(t, pool, schema)
	id := uuid.New()
	if _, err := store.Create(ctx, Document{ID: id, Delta: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if cnt := mustCountDocuments(t, pool, schema, id); cnt != 1 {
		t.Fatalf("rows=%d want=1", cnt)
	}
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema("bad;schema")); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
}

// ---- test helpers ----

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("NOOGLE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: NOOGLE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	// Registered first so it runs after the schema drop cleanups.
	t.Cleanup(pool.Close)
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "noogle_it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustCountDocuments(t *testing.T, pool *pgxpool.Pool, schema string, id uuid.UUID) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "document")+` WHERE id = $1`,
		id.String(),
	).Scan(&cnt); err != nil {
		t.Fatalf("count documents: %v", err)
	}
	return cnt
}
