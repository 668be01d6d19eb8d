package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
)

type fakeCounter struct {
	n   int
	err error
}

func (f *fakeCounter) CountActiveWorkers(ctx context.Context) (int, error) {
	return f.n, f.err
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MaxWorkers:  3,
		DailyBudget: 10,
		Cooldown:    30 * time.Second,
		MaxRetries:  3,
	}
}

// newTestLimiter wires a limiter against miniredis with a controllable clock.
func newTestLimiter(t *testing.T, counter *fakeCounter, limits config.LimitsConfig) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	lim := New(counter, client, config.RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: "factory"}, limits, zap.NewNop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return now }
	return lim, mr, &now
}

func TestCanSpawnAllGatesOpen(t *testing.T) {
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 0}, testLimits())

	dec, err := lim.CanSpawn(context.Background())
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("CanSpawn() denied with reason %q, want allowed", dec.Reason)
	}
}

func TestCanSpawnAtCapacity(t *testing.T) {
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 3}, testLimits())

	dec, err := lim.CanSpawn(context.Background())
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonCapacity {
		t.Errorf("CanSpawn() = %+v, want denial with reason %q", dec, ReasonCapacity)
	}
}

func TestCanSpawnCapacityCheckedBeforeCooldown(t *testing.T) {
	// Both gates closed: capacity must win so operators see the real
	// bottleneck.
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 5}, testLimits())
	if err := lim.RecordSpawn(context.Background()); err != nil {
		t.Fatalf("RecordSpawn() error = %v", err)
	}

	dec, err := lim.CanSpawn(context.Background())
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Reason != ReasonCapacity {
		t.Errorf("CanSpawn() reason = %q, want %q", dec.Reason, ReasonCapacity)
	}
}

func TestCanSpawnCooldown(t *testing.T) {
	lim, _, now := newTestLimiter(t, &fakeCounter{n: 0}, testLimits())
	ctx := context.Background()

	if err := lim.RecordSpawn(ctx); err != nil {
		t.Fatalf("RecordSpawn() error = %v", err)
	}

	dec, err := lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonCooldown {
		t.Errorf("CanSpawn() just after spawn = %+v, want denial with reason %q", dec, ReasonCooldown)
	}

	// Past the window the gate reopens.
	*now = now.Add(31 * time.Second)
	dec, err = lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("CanSpawn() after cooldown = %+v, want allowed", dec)
	}
}

func TestCanSpawnZeroCooldownDisablesGate(t *testing.T) {
	limits := testLimits()
	limits.Cooldown = 0
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 0}, limits)
	ctx := context.Background()

	if err := lim.RecordSpawn(ctx); err != nil {
		t.Fatalf("RecordSpawn() error = %v", err)
	}
	dec, err := lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("CanSpawn() with zero cooldown = %+v, want allowed", dec)
	}
}

func TestCanSpawnUnparseableSpawnTimestamp(t *testing.T) {
	lim, mr, _ := newTestLimiter(t, &fakeCounter{n: 0}, testLimits())
	mr.Set("factory:rate:last_spawn", "not-a-timestamp")

	dec, err := lim.CanSpawn(context.Background())
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("CanSpawn() with garbage timestamp = %+v, want allowed", dec)
	}
}

func TestCanSpawnBudgetExhausted(t *testing.T) {
	limits := testLimits()
	limits.DailyBudget = 2
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 0}, limits)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := lim.RecordIteration(ctx); err != nil {
			t.Fatalf("RecordIteration() error = %v", err)
		}
	}

	dec, err := lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonBudget {
		t.Errorf("CanSpawn() = %+v, want denial with reason %q", dec, ReasonBudget)
	}
}

func TestCanSpawnZeroBudgetDeniesEverything(t *testing.T) {
	// Budget zero is the operator kill switch: no iterations recorded,
	// still denied.
	limits := testLimits()
	limits.DailyBudget = 0
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 0}, limits)

	dec, err := lim.CanSpawn(context.Background())
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonBudget {
		t.Errorf("CanSpawn() = %+v, want denial with reason %q", dec, ReasonBudget)
	}
}

func TestDailyBudgetResetsAtMidnightUTC(t *testing.T) {
	limits := testLimits()
	limits.DailyBudget = 1
	lim, _, now := newTestLimiter(t, &fakeCounter{n: 0}, limits)
	ctx := context.Background()

	if err := lim.RecordIteration(ctx); err != nil {
		t.Fatalf("RecordIteration() error = %v", err)
	}
	dec, err := lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Allowed {
		t.Fatalf("CanSpawn() = %+v, want budget denial before rollover", dec)
	}

	*now = now.Add(24 * time.Hour)
	dec, err = lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("CanSpawn() after rollover = %+v, want allowed", dec)
	}

	status, err := lim.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.IterationsToday != 0 {
		t.Errorf("IterationsToday after rollover = %d, want 0", status.IterationsToday)
	}
}

func TestRecordIterationAfterRolloverStartsFresh(t *testing.T) {
	lim, _, now := newTestLimiter(t, &fakeCounter{n: 0}, testLimits())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := lim.RecordIteration(ctx); err != nil {
			t.Fatalf("RecordIteration() error = %v", err)
		}
	}

	*now = now.Add(24 * time.Hour)
	if err := lim.RecordIteration(ctx); err != nil {
		t.Fatalf("RecordIteration() error = %v", err)
	}

	status, err := lim.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.IterationsToday != 1 {
		t.Errorf("IterationsToday = %d, want 1 after midnight rollover", status.IterationsToday)
	}
}

func TestCanSpawnCounterError(t *testing.T) {
	boom := errors.New("connection refused")
	lim, _, _ := newTestLimiter(t, &fakeCounter{err: boom}, testLimits())

	dec, err := lim.CanSpawn(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("CanSpawn() error = %v, want wrapped %v", err, boom)
	}
	if dec.Allowed {
		t.Error("CanSpawn() allowed despite counter error")
	}
}

func TestCanSpawnDeniesWhenRedisDown(t *testing.T) {
	lim, mr, _ := newTestLimiter(t, &fakeCounter{n: 0}, testLimits())
	mr.Close()

	dec, err := lim.CanSpawn(context.Background())
	if err == nil {
		t.Fatal("CanSpawn() error = nil, want redis failure")
	}
	if dec.Allowed {
		t.Error("CanSpawn() allowed despite redis being down")
	}
}

func TestStatusSnapshot(t *testing.T) {
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 2}, testLimits())
	ctx := context.Background()

	if err := lim.RecordIteration(ctx); err != nil {
		t.Fatalf("RecordIteration() error = %v", err)
	}

	status, err := lim.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := Status{ActiveWorkers: 2, MaxWorkers: 3, IterationsToday: 1, DailyBudget: 10}
	if status != want {
		t.Errorf("Status() = %+v, want %+v", status, want)
	}
}

func TestSetLimitsTakesEffect(t *testing.T) {
	lim, _, _ := newTestLimiter(t, &fakeCounter{n: 2}, testLimits())
	ctx := context.Background()

	dec, err := lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("CanSpawn() = %+v, want allowed before shrink", dec)
	}

	limits := testLimits()
	limits.MaxWorkers = 2
	lim.SetLimits(limits)

	dec, err = lim.CanSpawn(ctx)
	if err != nil {
		t.Fatalf("CanSpawn() error = %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonCapacity {
		t.Errorf("CanSpawn() after shrink = %+v, want denial with reason %q", dec, ReasonCapacity)
	}
	if got := lim.Limits().MaxWorkers; got != 2 {
		t.Errorf("Limits().MaxWorkers = %d, want 2", got)
	}
}
