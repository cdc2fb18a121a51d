package snapshot

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatsync/cmd/internal/ids"
)

// Integration tests are enabled when CHATSYNC_DATABASE_URL is set.

func TestPostgresPersisterRoundTrip(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "chatsync_it_" + strings.ToLower(ids.MustULID())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	p, err := NewPostgresPersister(pool, WithSchema(schema), WithKey("it"))
	if err != nil {
		t.Fatalf("NewPostgresPersister: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if raw, err := p.Load(ctx); err != nil || raw != nil {
		t.Fatalf("empty Load=%q err=%v", raw, err)
	}

	c := newTestCache(newFakeClock(), p, 0)
	c.Put("c1", msgs("hi"), StatusClean)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	c.Put("c1", msgs("hi", "there"), StatusClean)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	restored := newTestCache(newFakeClock(), p, 0)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !restored.Validate("c1", msgs("hi", "there")) {
		t.Fatalf("upsert did not replace the blob")
	}

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if raw, _ := p.Load(ctx); raw != nil {
		t.Fatalf("Load after Clear=%q", raw)
	}
}

func TestPostgresOptionsValidate(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresPersister(nil); err == nil {
		t.Fatalf("nil pool accepted")
	}
	for _, schema := range []string{"", "bad-name", "1abc", `x"; DROP`} {
		if _, err := NewPostgresPersister(nil, WithSchema(schema)); err == nil {
			t.Fatalf("schema %q accepted", schema)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATSYNC_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATSYNC_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse CHATSYNC_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}
