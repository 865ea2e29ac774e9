package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

func TestMemoryProviderTTL(t *testing.T) {
	clk := clock.NewMock()
	c := NewMemoryProvider(clk)
	ctx := context.Background()

	if err := c.Set(ctx, SnapshotKey("LCP"), []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, SnapshotKey("LCP"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("unexpected get: %q %v", got, err)
	}

	clk.Add(time.Minute)
	if _, err := c.Get(ctx, SnapshotKey("LCP")); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	clk := clock.NewMock()
	c := NewMemoryProvider(clk)
	ctx := context.Background()
	key := NotifyKey(models.BudgetEvent{Metric: "LCP", BudgetID: "lcp-good", Kind: models.BudgetViolated, Timestamp: 1})

	ok, err := c.SetNX(ctx, key, []byte("1"), time.Hour)
	if err != nil || !ok {
		t.Fatalf("first setnx should win: %v %v", ok, err)
	}
	ok, _ = c.SetNX(ctx, key, []byte("1"), time.Hour)
	if ok {
		t.Fatalf("second setnx should lose")
	}
	clk.Add(2 * time.Hour)
	ok, _ = c.SetNX(ctx, key, []byte("1"), time.Hour)
	if !ok {
		t.Fatalf("setnx should win after expiry")
	}

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("memory ping: %v", err)
	}
}

func TestMemoryProviderCopiesValues(t *testing.T) {
	c := NewMemoryProvider(nil)
	ctx := context.Background()
	value := []byte("abc")
	_ = c.Set(ctx, "k", value, 0)
	value[0] = 'z'

	got, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop get should miss")
	}
	if ok, _ := p.SetNX(context.Background(), "k", nil, 0); !ok {
		t.Fatalf("noop setnx should report success")
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("noop ping: %v", err)
	}
}

func TestKeysSeparateSnapshotsFromClaims(t *testing.T) {
	if got := SnapshotKey("LCP"); got != "vitals:snapshot:LCP" {
		t.Fatalf("unexpected snapshot key %q", got)
	}
	violated := models.BudgetEvent{Metric: "LCP", BudgetID: "lcp-good", Kind: models.BudgetViolated, Timestamp: 42}
	if got := NotifyKey(violated); got != "vitals:notify:LCP:lcp-good:violated:42" {
		t.Fatalf("unexpected notify key %q", got)
	}
	recovered := violated
	recovered.Kind = models.BudgetRecovered
	if NotifyKey(recovered) == NotifyKey(violated) {
		t.Fatalf("recovery must not share the violation claim")
	}
	later := violated
	later.Timestamp = 43
	if NotifyKey(later) == NotifyKey(violated) {
		t.Fatalf("a later violation must be claimable again")
	}
}

func TestNewRedisProviderRequiresAddr(t *testing.T) {
	if _, err := NewRedisProvider(RedisConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}
