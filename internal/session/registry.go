// Package session keeps track of live browser sessions and owns the browsers
// behind them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

const (
	DefaultLaunchTimeout = 60 * time.Second
	DefaultStopTimeout   = 30 * time.Second

	shutdownParallelism = 8
)

// Config tunes a Registry. Zero values select the defaults.
type Config struct {
	// MaxSessions caps concurrently live sessions, launches included.
	// Zero means unlimited.
	MaxSessions   int
	LaunchTimeout time.Duration
	StopTimeout   time.Duration
	// SessionTTL terminates sessions this long after creation. Zero disables it.
	SessionTTL time.Duration
}

type Option func(*Registry)

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIDGenerator replaces the UUIDv4 session id generator. The generator
// must never return the same id twice.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

type entry struct {
	session  models.Session
	instance *browser.Instance
	expiry   *clock.Timer
}

// Registry maps session ids to running browsers. Every browser it launches
// is terminated exactly once, either by Terminate, by TTL expiry or by
// ShutdownAll.
type Registry struct {
	driver   browser.Driver
	cfg      Config
	clock    clock.Clock
	observer Observer
	newID    func() string
	slots    *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*entry
	closing  bool
	// inflight counts Create calls past the closing check and claimed
	// terminations. Add is only called under mu while the registry is open
	// or an entry was just claimed, so ShutdownAll may Wait on it.
	inflight sync.WaitGroup
}

// NewRegistry creates an empty registry launching browsers through driver.
func NewRegistry(driver browser.Driver, cfg Config, opts ...Option) *Registry {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	r := &Registry{
		driver:   driver,
		cfg:      cfg,
		clock:    clock.New(),
		observer: Observers(nil),
		newID:    uuid.NewString,
		sessions: make(map[string]*entry),
	}
	if cfg.MaxSessions > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create launches a browser and registers a session for it. The session is
// visible to Get and List only once the browser is running. Failures are
// reported as *LaunchError, or ErrShuttingDown once ShutdownAll has begun.
func (r *Registry) Create(ctx context.Context, opts models.LaunchOptions) (models.Session, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return models.Session{}, ErrShuttingDown
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return models.Session{}, r.launchFailed(&LaunchError{Cause: err})
	}

	if r.slots != nil && !r.slots.TryAcquire(1) {
		return models.Session{}, r.launchFailed(&LaunchError{
			Cause: fmt.Errorf("%w: limit is %d", ErrCapacityReached, r.cfg.MaxSessions),
		})
	}

	id := r.newID()
	started := r.clock.Now()

	launchCtx, cancel := context.WithTimeout(ctx, r.cfg.LaunchTimeout)
	defer cancel()

	inst, err := r.driver.Launch(launchCtx, id, opts.Clone())
	if err == nil && launchCtx.Err() != nil {
		// The driver returned after the deadline; nobody is waiting for
		// this browser any more.
		r.abort(ctx, id, opts, inst)
		err = launchCtx.Err()
	}
	if err != nil {
		r.releaseSlot()
		if errors.Is(launchCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrLaunchTimeout, err)
		}
		return models.Session{}, r.launchFailed(&LaunchError{ID: id, Cause: err})
	}

	e := &entry{
		session: models.Session{
			ID:         id,
			Status:     models.StatusActive,
			CreatedAt:  r.clock.Now(),
			WSEndpoint: inst.ConnectURL,
			Options:    opts,
		},
		instance: inst,
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.abort(ctx, id, opts, inst)
		r.releaseSlot()
		return models.Session{}, ErrShuttingDown
	}
	r.sessions[id] = e
	if r.cfg.SessionTTL > 0 {
		e.expiry = r.clock.AfterFunc(r.cfg.SessionTTL, func() { r.expire(id) })
	}
	snapshot := e.session.Clone()
	r.mu.Unlock()

	r.observer.SessionCreated(snapshot.Clone(), r.clock.Since(started))
	return snapshot, nil
}

// Get returns the session with the given id or an error wrapping ErrNotFound.
func (r *Registry) Get(id string) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.session.Clone(), nil
}

// List returns a snapshot of every registered session in no particular order.
func (r *Registry) List() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]models.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session.Clone())
	}
	return sessions
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Terminate removes the session and stops its browser. It reports false if
// no such session exists. When the driver fails to stop the browser the
// session is still removed, and the returned error is a *TerminationError.
func (r *Registry) Terminate(ctx context.Context, id string) (bool, error) {
	return r.terminate(ctx, id, ReasonDeleted)
}

// ShutdownAll rejects further Create calls, terminates every session and
// waits for in-flight operations. It returns the joined termination failures.
// Cancelling ctx does not interrupt the drain, but a deadline on ctx bounds
// every browser stop in addition to StopTimeout.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.inflight.Wait()
		return nil
	}
	r.closing = true
	drained := make([]*entry, 0, len(r.sessions))
	for id, e := range r.sessions {
		e.session.Status = models.StatusTerminating
		drained = append(drained, e)
		delete(r.sessions, id)
	}
	r.inflight.Add(len(drained))
	r.mu.Unlock()

	stopCtx := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithDeadline(stopCtx, deadline)
		defer cancel()
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(shutdownParallelism)
	for _, e := range drained {
		e := e
		g.Go(func() error {
			defer r.inflight.Done()
			if err := r.finish(stopCtx, e, ReasonShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.inflight.Wait()
	return errors.Join(errs...)
}

func (r *Registry) terminate(ctx context.Context, id string, reason Reason) (bool, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.sessions, id)
	e.session.Status = models.StatusTerminating
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	return true, r.finish(context.WithoutCancel(ctx), e, reason)
}

func (r *Registry) expire(id string) {
	_, _ = r.terminate(context.Background(), id, ReasonExpired)
}

// finish stops the browser of an entry already removed from the map. ctx
// must already be detached from the caller's cancellation.
func (r *Registry) finish(ctx context.Context, e *entry, reason Reason) error {
	if e.expiry != nil {
		e.expiry.Stop()
	}

	err := r.stop(ctx, e.session.ID, e.instance)
	e.session.Status = models.StatusTerminated
	r.releaseSlot()
	r.observer.SessionTerminated(e.session.Clone(), reason, err)
	return err
}

// abort stops a browser whose session never became visible.
func (r *Registry) abort(ctx context.Context, id string, opts models.LaunchOptions, inst *browser.Instance) {
	err := r.stop(context.WithoutCancel(ctx), id, inst)
	r.observer.SessionTerminated(models.Session{
		ID:         id,
		Status:     models.StatusTerminated,
		CreatedAt:  r.clock.Now(),
		WSEndpoint: inst.ConnectURL,
		Options:    opts.Clone(),
	}, ReasonAborted, err)
}

// stop runs the driver under StopTimeout. Callers pass a ctx detached from
// request cancellation so a cancelled caller cannot cut termination short.
func (r *Registry) stop(ctx context.Context, id string, inst *browser.Instance) error {
	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
	defer cancel()

	if err := r.driver.Terminate(stopCtx, inst); err != nil {
		return &TerminationError{ID: id, Cause: err}
	}
	return nil
}

func (r *Registry) releaseSlot() {
	if r.slots != nil {
		r.slots.Release(1)
	}
}

func (r *Registry) launchFailed(err *LaunchError) error {
	r.observer.LaunchFailed(err)
	return err
}
