package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bc-dunia/fleetmon/internal/model"
)

type fakeSampler struct {
	calls atomic.Int64
	fail  bool
}

func (f *fakeSampler) Collect(context.Context) (model.MetricsPayload, error) {
	f.calls.Add(1)
	if f.fail {
		return model.MetricsPayload{}, errors.New("sensor unavailable")
	}
	return model.MetricsPayload{MachineName: "host-1"}, nil
}

type fakeOutbox struct {
	mu       sync.Mutex
	enqueued []model.MetricsPayload
	purged   atomic.Int64
}

func (f *fakeOutbox) Enqueue(_ context.Context, sample model.MetricsPayload) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, sample)
	return int64(len(f.enqueued)), nil
}

func (f *fakeOutbox) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	f.purged.Add(1)
	return 1, nil
}

func (f *fakeOutbox) PendingCount(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.enqueued)), nil
}

func (f *fakeOutbox) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fakePusher struct {
	calls atomic.Int64
}

func (f *fakePusher) PushPending(context.Context, time.Time) error {
	f.calls.Add(1)
	return nil
}

type fakePoller struct {
	calls atomic.Int64
	fail  bool
}

func (f *fakePoller) Poll(context.Context) error {
	f.calls.Add(1)
	if f.fail {
		return errors.New("collector unreachable")
	}
	return nil
}

func fastConfig() Config {
	return Config{
		CollectInterval: 5 * time.Millisecond,
		PushInterval:    5 * time.Millisecond,
		CommandInterval: 5 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
		RetentionDays:   7,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerDrivesAllLoops(t *testing.T) {
	sampler := &fakeSampler{}
	queue := &fakeOutbox{}
	push := &fakePusher{}
	poll := &fakePoller{}

	r := NewRunner(sampler, queue, push, poll, fastConfig(), nil, nil)
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, "all loops ticking", func() bool {
		return sampler.calls.Load() >= 2 &&
			push.calls.Load() >= 2 &&
			poll.calls.Load() >= 2 &&
			queue.purged.Load() >= 2
	})

	if queue.count() == 0 {
		t.Error("expected collected samples enqueued")
	}
}

func TestRunnerIsolatesFailingLoops(t *testing.T) {
	sampler := &fakeSampler{fail: true}
	queue := &fakeOutbox{}
	push := &fakePusher{}
	poll := &fakePoller{fail: true}

	r := NewRunner(sampler, queue, push, poll, fastConfig(), nil, nil)
	r.Start(context.Background())
	defer r.Stop()

	// Failing collect and poll ticks must keep retrying, and must not stop
	// the push loop.
	waitFor(t, "loops surviving failures", func() bool {
		return sampler.calls.Load() >= 3 &&
			poll.calls.Load() >= 3 &&
			push.calls.Load() >= 3
	})

	if queue.count() != 0 {
		t.Error("expected nothing enqueued when every collect fails")
	}
}

func TestRunnerStopTerminatesLoops(t *testing.T) {
	sampler := &fakeSampler{}
	r := NewRunner(sampler, &fakeOutbox{}, &fakePusher{}, &fakePoller{}, fastConfig(), nil, nil)

	r.Start(context.Background())
	waitFor(t, "first ticks", func() bool { return sampler.calls.Load() >= 1 })
	r.Stop()

	settled := sampler.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if sampler.calls.Load() != settled {
		t.Error("expected no further ticks after Stop")
	}
}

func TestRunnerStartIsIdempotent(t *testing.T) {
	sampler := &fakeSampler{}
	r := NewRunner(sampler, &fakeOutbox{}, &fakePusher{}, &fakePoller{}, fastConfig(), nil, nil)

	r.Start(context.Background())
	r.Start(context.Background())
	defer r.Stop()

	waitFor(t, "ticks", func() bool { return sampler.calls.Load() >= 1 })
}

func TestRunnerStopWithoutStart(t *testing.T) {
	r := NewRunner(&fakeSampler{}, &fakeOutbox{}, &fakePusher{}, &fakePoller{}, fastConfig(), nil, nil)
	r.Stop() // must not panic
}
