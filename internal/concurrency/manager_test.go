package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

func newTestManager(max, cpu int, clock *fakeClock) *Manager {
	return NewManager(
		Config{MaxConcurrent: max, CPUWorkers: cpu},
		BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute},
		ErrorConfig{},
		clock.Now,
		nil,
	)
}

func TestAcquireSlotBoundsInFlight(t *testing.T) {
	t.Parallel()

	m := newTestManager(3, 1, newFakeClock())
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.AcquireSlot(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			assert.LessOrEqual(t, m.InFlight(), int64(3))
			time.Sleep(2 * time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Zero(t, m.InFlight())
	assert.LessOrEqual(t, m.PeakInFlight(), int64(3))
	assert.Positive(t, m.PeakInFlight())
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(1, 1, newFakeClock())
	release, err := m.AcquireSlot(context.Background())
	require.NoError(t, err)
	release()
	release()
	assert.Zero(t, m.InFlight())

	release, err = m.AcquireSlot(context.Background())
	require.NoError(t, err)
	release()
}

func TestAcquireSlotObservesCancellation(t *testing.T) {
	t.Parallel()

	m := newTestManager(1, 1, newFakeClock())
	release, err := m.AcquireSlot(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.AcquireSlot(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("slot wait did not observe cancellation")
	}
}

func TestAcquireCPUSharesGlobalBudget(t *testing.T) {
	t.Parallel()

	m := newTestManager(2, 1, newFakeClock())
	releaseCPU, err := m.AcquireCPU(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.InFlight())

	releaseIO, err := m.AcquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireSlot(ctx)
	require.Error(t, err, "global budget exhausted by cpu and io work")

	releaseIO()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = m.AcquireCPU(ctx2)
	require.Error(t, err, "cpu category exhausted")
	assert.Equal(t, int64(1), m.InFlight(), "failed cpu acquire returns its global slot")

	releaseCPU()
	assert.Zero(t, m.InFlight())
}

func TestAdmitSourceFollowsBreaker(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := newTestManager(4, 1, clock)

	require.NoError(t, m.AdmitSource("a"))
	assert.False(t, m.RecordFailure("a"))
	assert.False(t, m.RecordFailure("a"))
	assert.True(t, m.RecordFailure("a"))

	assert.False(t, m.IsAvailable("a"))
	require.ErrorIs(t, m.AdmitSource("a"), ingest.ErrSourceUnavailable)

	clock.Advance(time.Minute)
	assert.True(t, m.IsAvailable("a"))
	require.NoError(t, m.AdmitSource("a"))
	require.ErrorIs(t, m.AdmitSource("a"), ingest.ErrSourceUnavailable, "only one probe")

	m.RecordSuccess("a")
	require.NoError(t, m.AdmitSource("a"))
	m.RecordSuccess("a")
	assert.Equal(t, StateClosed, m.BreakerState("a"))
	require.Len(t, m.Breakers(), 1)
}

func TestManagerRecordError(t *testing.T) {
	t.Parallel()

	m := newTestManager(1, 1, newFakeClock())
	assert.False(t, m.RecordError("x 500"))
	assert.False(t, m.RecordError("x 500"))
	assert.True(t, m.RecordError("x 500"))
	require.Len(t, m.TopErrors(5), 1)
}

func TestManagerDefaults(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{CPUWorkers: 1000}, BreakerConfig{}, ErrorConfig{}, nil, nil)
	assert.Equal(t, DefaultConfig().MaxConcurrent, m.MaxConcurrent())
	assert.Equal(t, m.cfg.MaxConcurrent, m.cfg.CPUWorkers)
	require.NoError(t, m.Wait(context.Background(), "a"))
}

func TestFailedProbeReopensWithoutSecondAdmission(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := newTestManager(4, 1, clock)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AdmitSource("a"))
		m.RecordFailure("a")
	}

	clock.Advance(time.Minute)
	require.NoError(t, m.AdmitSource("a"))
	require.ErrorIs(t, m.AdmitSource("a"), ingest.ErrSourceUnavailable, "probe in flight")
	assert.True(t, m.RecordFailure("a"))
	require.ErrorIs(t, m.AdmitSource("a"), ingest.ErrSourceUnavailable, "failed probe reopens the circuit")
	assert.Equal(t, StateOpen, m.BreakerState("a"))
}
