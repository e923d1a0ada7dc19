package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/internal/collect"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

// scriptCycler returns results from script in order, then nil errors.
type scriptCycler struct {
	mu     sync.Mutex
	n      int
	script []func() error
}

func (c *scriptCycler) Cycle(ctx context.Context) (collect.Report, error) {
	c.mu.Lock()
	i := c.n
	c.n++
	c.mu.Unlock()
	if i < len(c.script) && c.script[i] != nil {
		return collect.Report{}, c.script[i]()
	}
	return collect.Report{Published: 1}, nil
}

type statusRecorder struct {
	mu   sync.Mutex
	list []string
}

func (r *statusRecorder) Publish(ctx context.Context, topic, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, topic+"="+message)
	return nil
}
func (r *statusRecorder) Release() {}

func (r *statusRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.list...)
}

type cycleEvent struct {
	at  time.Time
	err error
}

func testScheduler(t testing.TB, c Cycler, interval, retry time.Duration) (*Scheduler, *statusRecorder, <-chan cycleEvent) {
	events := make(chan cycleEvent, 16)
	status := &statusRecorder{}
	s := New(Options{
		Interval:   interval,
		RetryDelay: retry,
		Cycler:     c,
		Status:     status,
		OnCycle:    func(_ collect.Report, err error) { events <- cycleEvent{time.Now(), err} },
		Log:        log2.NewTest(t, log2.LDebug),
	})
	return s, status, events
}

func waitEvent(t testing.TB, events <-chan cycleEvent) cycleEvent {
	select {
	case e := <-events:
		return e
	case <-time.After(testWait):
		t.Fatal("timeout waiting for cycle")
		return cycleEvent{}
	}
}

func runAsync(s *Scheduler, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitDone(t testing.TB, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(testWait):
		t.Fatal("timeout waiting for Run")
		return nil
	}
}

func TestRunStop(t *testing.T) {
	t.Parallel()
	s, status, events := testScheduler(t, &scriptCycler{}, 10*time.Millisecond, time.Hour)
	assert.Equal(t, StateIdle, s.State())

	done := runAsync(s, context.Background())
	for i := 0; i < 3; i++ {
		e := waitEvent(t, events)
		assert.NoError(t, e.err)
	}
	s.Stop()
	require.NoError(t, waitDone(t, done))
	s.Wait()

	assert.Equal(t, StateStopped, s.State())
	assert.GreaterOrEqual(t, s.Cycles(), 3)
	assert.Equal(t, []string{"mining/status=started", "mining/status=stopped"}, status.get())
	begin, end := s.LastCycle()
	assert.False(t, begin.IsZero())
	assert.False(t, end.Before(begin))

	assert.Equal(t, ErrStopped, s.Run(context.Background()), "run after stop")
}

func TestRunStopDuringSleep(t *testing.T) {
	t.Parallel()
	s, _, events := testScheduler(t, &scriptCycler{}, time.Hour, time.Hour)
	done := runAsync(s, context.Background())
	waitEvent(t, events)
	assert.Eventually(t, func() bool { return s.State() == StateSleeping }, testWait, time.Millisecond)
	s.Stop()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, s.Cycles())
}

func TestRunRetryDelay(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		fail func() error
	}{
		{"error", func() error { return errors.New("escaped") }},
		{"panic", func() error { panic("bug") }},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			// Normal interval never elapses within test, only short retry delay does.
			s, _, events := testScheduler(t, &scriptCycler{script: []func() error{c.fail}}, time.Hour, 20*time.Millisecond)
			done := runAsync(s, context.Background())
			first := waitEvent(t, events)
			require.Error(t, first.err)
			second := waitEvent(t, events)
			assert.NoError(t, second.err)
			assert.GreaterOrEqual(t, int64(second.at.Sub(first.at)), int64(20*time.Millisecond))
			s.Stop()
			require.NoError(t, waitDone(t, done))
		})
	}
}

func TestRunContextCancel(t *testing.T) {
	t.Parallel()
	s, status, events := testScheduler(t, &scriptCycler{}, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(s, ctx)
	waitEvent(t, events)
	cancel()
	assert.Equal(t, context.Canceled, waitDone(t, done))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, []string{"mining/status=started", "mining/status=stopped"}, status.get())
}

func TestOnce(t *testing.T) {
	t.Parallel()
	c := &scriptCycler{script: []func() error{func() error { return errors.New("once failed") }}}
	s, status, events := testScheduler(t, c, time.Hour, time.Hour)

	_, err := s.Once(context.Background())
	require.Error(t, err)
	assert.Equal(t, "once failed", err.Error())
	assert.Error(t, waitEvent(t, events).err)

	r, err := s.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Published)
	assert.Equal(t, 2, s.Cycles())
	assert.Equal(t, StateStopped, s.State())
	assert.Empty(t, status.get(), "once must not publish status")
}

func TestLastCycle(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	c := &scriptCycler{script: []func() error{
		nil,
		func() error { close(entered); <-release; return nil },
	}}
	s, _, events := testScheduler(t, c, time.Hour, time.Hour)

	begin, end := s.LastCycle()
	assert.True(t, begin.IsZero())
	assert.True(t, end.IsZero())

	before := time.Now()
	_, err := s.Once(context.Background())
	require.NoError(t, err)
	waitEvent(t, events)
	begin, end = s.LastCycle()
	assert.WithinDuration(t, before, begin, testWait)
	assert.False(t, end.Before(begin))
	assert.WithinDuration(t, time.Now(), end, testWait)

	done := make(chan error, 1)
	go func() { _, err := s.Once(context.Background()); done <- err }()
	select {
	case <-entered:
	case <-time.After(testWait):
		t.Fatal("timeout waiting for cycle")
	}
	begin, end = s.LastCycle()
	assert.True(t, end.Before(begin), "cycle in progress")
	close(release)
	require.NoError(t, waitDone(t, done))
	begin, end = s.LastCycle()
	assert.False(t, end.Before(begin))
}

func TestOncePanic(t *testing.T) {
	t.Parallel()
	c := &scriptCycler{script: []func() error{func() error { panic("boom") }}}
	s, _, _ := testScheduler(t, c, time.Hour, time.Hour)
	_, err := s.Once(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "sleeping", StateSleeping.String())
	assert.Equal(t, "state(9)", State(9).String())
}
