package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/internal/browser/browsertest"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

type terminatedEvent struct {
	session models.Session
	reason  Reason
	err     error
}

type recordingObserver struct {
	mu         sync.Mutex
	created    []models.Session
	failures   []error
	terminated []terminatedEvent
}

func (o *recordingObserver) SessionCreated(s models.Session, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, s)
}

func (o *recordingObserver) LaunchFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) SessionTerminated(s models.Session, reason Reason, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminated = append(o.terminated, terminatedEvent{session: s, reason: reason, err: err})
}

func (o *recordingObserver) terminations() []terminatedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]terminatedEvent(nil), o.terminated...)
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *browsertest.Driver, *recordingObserver) {
	t.Helper()
	driver := browsertest.New()
	obs := &recordingObserver{}
	r := NewRegistry(driver, cfg, append([]Option{WithObserver(obs)}, opts...)...)
	return r, driver, obs
}

func boolPtr(b bool) *bool { return &b }

func TestCreateThenGet(t *testing.T) {
	r, _, obs := newTestRegistry(t, Config{})

	sess, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)

	got, err := r.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.NotEmpty(t, got.WSEndpoint)
	assert.True(t, got.Options.IsHeadless())
	assert.Equal(t, models.Viewport{Width: 1920, Height: 1080}, got.Options.Viewport)
	assert.Len(t, obs.created, 1)
}

func TestCreateDeleteScenario(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	a, err := r.Create(ctx, models.LaunchOptions{
		Headless: boolPtr(false),
		Viewport: models.Viewport{Width: 800, Height: 600},
	})
	require.NoError(t, err)

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, got.Options.IsHeadless())
	assert.Equal(t, models.Viewport{Width: 800, Height: 600}, got.Options.Viewport)

	ok, err := r.Terminate(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	for _, s := range r.List() {
		assert.NotEqual(t, a.ID, s.ID)
	}

	ok, err = r.Terminate(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, driver.Live())
}

func TestReturnedSessionsAreSnapshots(t *testing.T) {
	r, _, obs := newTestRegistry(t, Config{})

	s, err := r.Create(context.Background(), models.LaunchOptions{
		Proxy: &models.Proxy{Server: "http://proxy-a:3128"},
	})
	require.NoError(t, err)

	s.Options.Proxy.Server = "http://proxy-b:3128"
	*s.Options.Headless = false

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Options.Proxy)
	assert.Equal(t, "http://proxy-a:3128", got.Options.Proxy.Server)
	assert.True(t, got.Options.IsHeadless())

	listed := r.List()
	require.Len(t, listed, 1)
	listed[0].Options.Proxy.Server = "http://proxy-c:3128"
	got.Options.Proxy.Server = "http://proxy-d:3128"

	again, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://proxy-a:3128", again.Options.Proxy.Server)

	obs.mu.Lock()
	obs.created[0].Options.Proxy.Server = "http://proxy-e:3128"
	obs.mu.Unlock()
	again, err = r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://proxy-a:3128", again.Options.Proxy.Server)
}

func TestUnknownID(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := r.Terminate(context.Background(), "missing")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateRejectsInvalidOptions(t *testing.T) {
	r, driver, obs := newTestRegistry(t, Config{})

	_, err := r.Create(context.Background(), models.LaunchOptions{
		Viewport: models.Viewport{Width: -1, Height: 600},
	})

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.ErrorIs(t, err, models.ErrInvalidOptions)
	assert.Equal(t, 0, driver.Launched())
	assert.Len(t, obs.failures, 1)
}

func TestCreateLaunchFailureInsertsNothing(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	boom := errors.New("out of memory")
	driver.LaunchHook = func(context.Context, string, models.LaunchOptions) error { return boom }

	_, err := r.Create(context.Background(), models.LaunchOptions{})

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, launchErr.ID)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.List())
}

func TestCreateTimeoutWhenDriverHonorsDeadline(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{LaunchTimeout: 50 * time.Millisecond})
	driver.LaunchHook = func(ctx context.Context, _ string, _ models.LaunchOptions) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := r.Create(context.Background(), models.LaunchOptions{})

	assert.ErrorIs(t, err, ErrLaunchTimeout)
	assert.Equal(t, 0, r.Count())
}

func TestCreateTimeoutCleansUpLateInstance(t *testing.T) {
	r, driver, obs := newTestRegistry(t, Config{LaunchTimeout: 20 * time.Millisecond})
	driver.LaunchHook = func(context.Context, string, models.LaunchOptions) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	_, err := r.Create(context.Background(), models.LaunchOptions{})

	assert.ErrorIs(t, err, ErrLaunchTimeout)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, driver.Launched())
	assert.Equal(t, 0, driver.Live())
	assert.Equal(t, 1, driver.Terminations("fake-1"))

	events := obs.terminations()
	require.Len(t, events, 1)
	assert.Equal(t, ReasonAborted, events[0].reason)
}

func TestCreateIdsAreDistinctUnderConcurrency(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	const n = 50

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Create(context.Background(), models.LaunchOptions{})
			if assert.NoError(t, err) {
				ids[i] = s.ID
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	listed := r.List()
	require.Len(t, listed, n)
	for _, s := range listed {
		assert.True(t, seen[s.ID])
	}
	assert.Equal(t, n, r.Count())
}

func TestTerminateRaceHasSingleWinner(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	s, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)

	const n = 32
	var (
		wins  atomic.Int32
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := r.Terminate(context.Background(), s.ID)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, driver.Terminations("fake-1"))
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminateFailureStillRemoves(t *testing.T) {
	r, driver, obs := newTestRegistry(t, Config{})
	driver.TerminateHook = func(context.Context, *browser.Instance) error {
		return errors.New("container already gone")
	}
	s, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)

	ok, err := r.Terminate(context.Background(), s.ID)

	assert.True(t, ok)
	var termErr *TerminationError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, s.ID, termErr.ID)
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	events := obs.terminations()
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusTerminated, events[0].session.Status)
	assert.Equal(t, ReasonDeleted, events[0].reason)
	assert.Error(t, events[0].err)
}

func TestTerminateIgnoresCallerCancellation(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	var sawCancel atomic.Bool
	driver.TerminateHook = func(ctx context.Context, _ *browser.Instance) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}
	s, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := r.Terminate(ctx, s.ID)

	assert.True(t, ok)
	assert.NoError(t, err)
	assert.False(t, sawCancel.Load())
}

func TestCountMatchesListUnderChurn(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Create(ctx, models.LaunchOptions{})
			if !assert.NoError(t, err) {
				return
			}
			if i%2 == 0 {
				_, _ = r.Terminate(ctx, s.ID)
			}
			_ = r.List()
			_ = r.Count()
		}()
	}
	wg.Wait()

	assert.Equal(t, len(r.List()), r.Count())
	assert.Equal(t, 10, r.Count())
}

func TestCapacityLimit(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{MaxSessions: 2})
	ctx := context.Background()

	first, err := r.Create(ctx, models.LaunchOptions{})
	require.NoError(t, err)
	_, err = r.Create(ctx, models.LaunchOptions{})
	require.NoError(t, err)

	_, err = r.Create(ctx, models.LaunchOptions{})
	assert.ErrorIs(t, err, ErrCapacityReached)

	ok, err := r.Terminate(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Create(ctx, models.LaunchOptions{})
	assert.NoError(t, err)
}

func TestCapacitySlotReleasedOnLaunchFailure(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{MaxSessions: 1})
	var fail atomic.Bool
	fail.Store(true)
	driver.LaunchHook = func(context.Context, string, models.LaunchOptions) error {
		if fail.Load() {
			return errors.New("no chrome")
		}
		return nil
	}

	_, err := r.Create(context.Background(), models.LaunchOptions{})
	require.Error(t, err)

	fail.Store(false)
	_, err = r.Create(context.Background(), models.LaunchOptions{})
	assert.NoError(t, err)
}

func TestShutdownAllDrains(t *testing.T) {
	r, driver, obs := newTestRegistry(t, Config{})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := r.Create(ctx, models.LaunchOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, r.ShutdownAll(ctx))

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, driver.Live())
	for id, n := range driver.TerminationCounts() {
		assert.Equal(t, 1, n, "instance %s", id)
	}
	for _, ev := range obs.terminations() {
		assert.Equal(t, ReasonShutdown, ev.reason)
	}

	_, err := r.Create(ctx, models.LaunchOptions{})
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = r.Create(ctx, models.LaunchOptions{Viewport: models.Viewport{Width: -1, Height: 1}})
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.NotErrorIs(t, err, models.ErrInvalidOptions)
	assert.NoError(t, r.ShutdownAll(ctx))
}

func TestShutdownAllHonorsDeadline(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{StopTimeout: time.Minute})
	_, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)
	driver.TerminateHook = func(ctx context.Context, _ *browser.Instance) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	err = r.ShutdownAll(ctx)

	assert.Less(t, time.Since(started), 5*time.Second)
	var termErr *TerminationError
	require.ErrorAs(t, err, &termErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.Count())
}

func TestShutdownAllIgnoresCancellationWithoutDeadline(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	_, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)
	var sawCancel atomic.Bool
	driver.TerminateHook = func(ctx context.Context, _ *browser.Instance) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, r.ShutdownAll(ctx))
	assert.False(t, sawCancel.Load())
}

func TestShutdownAllReportsFailures(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Create(ctx, models.LaunchOptions{})
		require.NoError(t, err)
	}
	driver.TerminateHook = func(_ context.Context, inst *browser.Instance) error {
		if inst.ID == "fake-2" {
			return errors.New("daemon unreachable")
		}
		return nil
	}

	err := r.ShutdownAll(ctx)

	var termErr *TerminationError
	require.ErrorAs(t, err, &termErr)
	assert.Equal(t, 0, r.Count())
	assert.Len(t, driver.TerminationCounts(), 3)
}

func TestShutdownAbortsInFlightCreate(t *testing.T) {
	r, driver, _ := newTestRegistry(t, Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	driver.LaunchHook = func(context.Context, string, models.LaunchOptions) error {
		close(entered)
		<-release
		return nil
	}

	created := make(chan error, 1)
	go func() {
		_, err := r.Create(context.Background(), models.LaunchOptions{})
		created <- err
	}()
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- r.ShutdownAll(context.Background()) }()

	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.closing
	}, time.Second, time.Millisecond)
	close(release)

	assert.ErrorIs(t, <-created, ErrShuttingDown)
	assert.NoError(t, <-shutdown)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, driver.Live())
	assert.Equal(t, 1, driver.Terminations("fake-1"))
}

func TestSessionTTLExpires(t *testing.T) {
	mock := clock.NewMock()
	r, driver, obs := newTestRegistry(t, Config{SessionTTL: time.Minute}, WithClock(mock))

	s, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), s.CreatedAt)

	mock.Add(30 * time.Second)
	assert.Equal(t, 1, r.Count())

	mock.Add(31 * time.Second)
	require.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return driver.Live() == 0 }, time.Second, time.Millisecond)

	events := obs.terminations()
	require.Len(t, events, 1)
	assert.Equal(t, ReasonExpired, events[0].reason)
	assert.Equal(t, s.ID, events[0].session.ID)
}

func TestTerminateStopsTTLTimer(t *testing.T) {
	mock := clock.NewMock()
	r, driver, _ := newTestRegistry(t, Config{SessionTTL: time.Minute}, WithClock(mock))

	s, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)
	ok, err := r.Terminate(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, driver.Terminations("fake-1"))
}

func TestCustomIDGenerator(t *testing.T) {
	var n atomic.Int64
	r, _, _ := newTestRegistry(t, Config{}, WithIDGenerator(func() string {
		return fmt.Sprintf("sess-%d", n.Add(1))
	}))

	s, err := r.Create(context.Background(), models.LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
}
