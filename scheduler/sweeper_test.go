package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-lending/lending"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSweeps struct {
	now          time.Time
	refreshes    atomic.Int32
	reservations atomic.Int32
	fines        atomic.Int32
	failRefresh  bool
	failFines    bool
	seen         atomic.Pointer[time.Time]
}

func (f *fakeSweeps) Now() time.Time { return f.now }

func (f *fakeSweeps) Refresh(context.Context) error {
	f.refreshes.Add(1)
	if f.failRefresh {
		return errors.New("database is locked")
	}
	return nil
}

func (f *fakeSweeps) SweepReservations(_ context.Context, now time.Time) ([]lending.Expiry, error) {
	f.reservations.Add(1)
	f.seen.Store(&now)
	return []lending.Expiry{{MemberID: "S1", BookID: 1}}, nil
}

func (f *fakeSweeps) SweepFines(context.Context, time.Time) (map[string]decimal.Decimal, error) {
	f.fines.Add(1)
	if f.failFines {
		return map[string]decimal.Decimal{"S1": decimal.Zero}, errors.New("disk full")
	}
	return map[string]decimal.Decimal{"S1": decimal.NewFromInt(10)}, nil
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1m", "@hourly", "0 * * * *", "*/5 9-17 * * 1-5"} {
		assert.NoError(t, ValidateSchedule(spec), spec)
	}
	for _, spec := range []string{"", "every minute", "* * *", "0 0 * * * *"} {
		assert.Error(t, ValidateSchedule(spec), spec)
	}
}

func TestSweeperRunNowUsesEngineClock(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := &fakeSweeps{now: at, failFines: true}
	s := NewSweeper(f, "@every 1m", "@every 1h", discard)

	s.RunNow(context.Background())
	assert.EqualValues(t, 1, f.reservations.Load())
	assert.EqualValues(t, 1, f.fines.Load())
	assert.EqualValues(t, 2, f.refreshes.Load(), "each sweep reloads first")
	assert.True(t, f.seen.Load().Equal(at))
}

func TestSweeperSkipsPassWhenReloadFails(t *testing.T) {
	f := &fakeSweeps{now: time.Now(), failRefresh: true}
	s := NewSweeper(f, "@every 1m", "@every 1h", discard)

	s.RunNow(context.Background())
	assert.EqualValues(t, 2, f.refreshes.Load())
	assert.Zero(t, f.reservations.Load())
	assert.Zero(t, f.fines.Load())
}

func TestSweeperStartStop(t *testing.T) {
	f := &fakeSweeps{now: time.Now()}
	s := NewSweeper(f, "@every 1s", "", discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx), "second start is a no-op")
	assert.True(t, s.IsRunning())

	next := s.NextRuns()
	assert.Contains(t, next, "reservations")
	assert.NotContains(t, next, "fines")

	assert.Eventually(t, func() bool { return f.reservations.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	assert.Zero(t, f.fines.Load())

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
	assert.Empty(t, s.NextRuns())
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&fakeSweeps{}, "@every 1m", "not a schedule", discard)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a schedule")
	assert.False(t, s.IsRunning())
}
