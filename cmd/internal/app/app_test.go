package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "noogle/contracts/realtime/v1"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t, "PORT", "NOOGLE_HTTP_ADDR", "NOOGLE_DATABASE_URL", "DB_HOST", "DB_NAME",
		"REDIS_URL", "REDIS_HOST", "REDIS_PORT", "NOOGLE_CACHE_TTL", "NOOGLE_WS_ALLOWED_ORIGINS")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":4000" {
		t.Fatalf("HTTPAddr=%q want :4000", cfg.HTTPAddr)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL=%q want empty (in-memory mode)", cfg.DatabaseURL)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr=%q want localhost:6379", cfg.RedisAddr)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Fatalf("CacheTTL=%v want 24h", cfg.CacheTTL)
	}
	if len(cfg.WS.AllowedOrigins) != 1 || cfg.WS.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins=%v want [*]", cfg.WS.AllowedOrigins)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv(t, "NOOGLE_HTTP_ADDR", "NOOGLE_DATABASE_URL")
	t.Setenv("PORT", "5050")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("NOOGLE_CACHE_TTL", "1h")
	t.Setenv("NOOGLE_WS_ALLOWED_ORIGINS", "http://a.example, ,http://b.example")
	t.Setenv("NOOGLE_WS_RATE_EVENTS", "50")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":5050" {
		t.Fatalf("HTTPAddr=%q want :5050", cfg.HTTPAddr)
	}
	if cfg.RedisAddr != "cache:6380" {
		t.Fatalf("RedisAddr=%q", cfg.RedisAddr)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("CacheTTL=%v", cfg.CacheTTL)
	}
	if strings.Join(cfg.WS.AllowedOrigins, "|") != "http://a.example|http://b.example" {
		t.Fatalf("AllowedOrigins=%v", cfg.WS.AllowedOrigins)
	}
	if cfg.WS.RateEvents != 50 {
		t.Fatalf("RateEvents=%d", cfg.WS.RateEvents)
	}

	t.Setenv("NOOGLE_HTTP_ADDR", "127.0.0.1:9999")
	if got := LoadConfig().HTTPAddr; got != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q want explicit address", got)
	}
}

func TestDatabaseURLFromEnv(t *testing.T) {
	clearEnv(t, "NOOGLE_DATABASE_URL", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE")

	if got := databaseURLFromEnv(); got != "" {
		t.Fatalf("no db env: got %q want empty", got)
	}

	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "noogle")
	t.Setenv("DB_PASSWORD", "p@ss")
	t.Setenv("DB_NAME", "docs")
	want := "postgres://noogle:p%40ss@db:5432/docs?sslmode=disable"
	if got := databaseURLFromEnv(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	t.Setenv("NOOGLE_DATABASE_URL", "postgres://x@y/z")
	if got := databaseURLFromEnv(); got != "postgres://x@y/z" {
		t.Fatalf("explicit url must win, got %q", got)
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("NOOGLE_TEST_CSV", "")
	if got := EnvCSV("NOOGLE_TEST_CSV", "a, b"); strings.Join(got, "|") != "a|b" {
		t.Fatalf("default: %v", got)
	}
	if got := EnvCSV("NOOGLE_TEST_CSV", ""); got != nil {
		t.Fatalf("empty default: %v", got)
	}
	t.Setenv("NOOGLE_TEST_CSV", " x ,,y ")
	if got := EnvCSV("NOOGLE_TEST_CSV", "a"); strings.Join(got, "|") != "x|y" {
		t.Fatalf("override: %v", got)
	}
}

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *httptest.Server, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := Config{
		RedisURL: "redis://" + mr.Addr(),
		CacheTTL: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return a, ts, mr
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestHTTP_HealthAndReadiness(t *testing.T) {
	_, ts, mr := newTestApp(t, nil)

	if code, body := getBody(t, ts.URL+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, body := getBody(t, ts.URL+"/readyz"); code != http.StatusOK || body != "ready\n" {
		t.Fatalf("readyz: %d %q", code, body)
	}

	mr.Close()
	if code, body := getBody(t, ts.URL+"/readyz"); code != http.StatusOK || !strings.Contains(body, "cache degraded") {
		t.Fatalf("readyz with cache down: %d %q", code, body)
	}
}

func TestHTTP_ReadinessRequirements(t *testing.T) {
	_, ts, mr := newTestApp(t, func(c *Config) { c.ReadinessRequireCache = true })
	mr.Close()
	if code, _ := getBody(t, ts.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d want 503 when cache is required", code)
	}

	_, ts, _ = newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })
	if code, _ := getBody(t, ts.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d want 503 when db is required but absent", code)
	}
}

func TestHTTP_CacheDisabled(t *testing.T) {
	a, ts, _ := newTestApp(t, func(c *Config) { c.CacheDisabled = true })
	if a.rdb != nil {
		t.Fatalf("redis client must not be created when the cache is disabled")
	}
	if code, body := getBody(t, ts.URL+"/readyz"); code != http.StatusOK || body != "ready\n" {
		t.Fatalf("readyz: %d %q", code, body)
	}
}

func TestHTTP_RootServesWebSocketAndMetrics(t *testing.T) {
	_, ts, mr := newTestApp(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial root: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	doc := uuid.New()
	msg, _ := json.Marshal(v1.RetrieveDocumentPayload{ID: doc.String(), UserID: "u1", Name: "Ada"})
	env, _ := json.Marshal(v1.Envelope{Type: v1.TypeRetrieveDocument, Message: msg})
	if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f v1.Frame
	if err := json.Unmarshal(b, &f); err != nil || f.Type != v1.TypeLoadDocument || string(f.Delta) != "{}" {
		t.Fatalf("frame=%s err=%v want load-document {}", b, err)
	}

	save, _ := json.Marshal(v1.SaveDocumentPayload{ID: doc.String(), Delta: json.RawMessage(`{"ops":[]}`)})
	env, _ = json.Marshal(v1.Envelope{Type: v1.TypeSaveDocument, Message: save})
	if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Fatalf("write save: %v", err)
	}

	key := "DOCUMENT_" + doc.String()
	wants := []string{
		"noogle_connections_active 1",
		"noogle_rooms_active 1",
		`noogle_document_loads_total{outcome="created"} 1`,
		`noogle_document_saves_total{outcome="written"} 1`,
		"go_goroutines",
	}

	// The save runs asynchronously to this test; poll until it is visible.
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, body := getBody(t, ts.URL+"/metrics")
		if code != http.StatusOK {
			t.Fatalf("metrics: %d", code)
		}
		missing := ""
		for _, want := range wants {
			if !strings.Contains(body, want) {
				missing = want
				break
			}
		}
		if missing == "" && mr.Exists(key) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics missing %q or cache key %s absent (exists=%v)", missing, key, mr.Exists(key))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
