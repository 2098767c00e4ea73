// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shehryarbajwa/browserhub/internal/browser"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Driver is a fake browser.Driver. Hooks must be set before the driver is
// shared between goroutines.
type Driver struct {
	// LaunchHook runs before an instance is handed out; a non-nil error fails
	// the launch.
	LaunchHook func(ctx context.Context, sessionID string, opts models.LaunchOptions) error
	// TerminateHook runs on every Terminate call; its error is returned.
	TerminateHook func(ctx context.Context, inst *browser.Instance) error

	mu         sync.Mutex
	seq        int
	live       map[string]*browser.Instance
	terminated map[string]int
	opts       map[string]models.LaunchOptions
	closed     bool
}

var _ browser.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		live:       make(map[string]*browser.Instance),
		terminated: make(map[string]int),
		opts:       make(map[string]models.LaunchOptions),
	}
}

func (d *Driver) Launch(ctx context.Context, sessionID string, opts models.LaunchOptions) (*browser.Instance, error) {
	if d.LaunchHook != nil {
		if err := d.LaunchHook(ctx, sessionID, opts); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	inst := &browser.Instance{
		ID:         fmt.Sprintf("fake-%d", d.seq),
		SessionID:  sessionID,
		ConnectURL: fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/%s", 9222+d.seq, sessionID),
	}
	d.live[inst.ID] = inst
	d.opts[inst.ID] = opts
	return inst, nil
}

func (d *Driver) Terminate(ctx context.Context, inst *browser.Instance) error {
	d.mu.Lock()
	d.terminated[inst.ID]++
	delete(d.live, inst.ID)
	d.mu.Unlock()

	if d.TerminateHook != nil {
		return d.TerminateHook(ctx, inst)
	}
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Launched returns how many instances were handed out.
func (d *Driver) Launched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Live returns how many launched instances were never terminated.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Terminations returns how many times Terminate saw the instance id.
func (d *Driver) Terminations(instanceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated[instanceID]
}

// TerminationCounts returns a copy of every instance's Terminate count.
func (d *Driver) TerminationCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.terminated))
	for id, n := range d.terminated {
		out[id] = n
	}
	return out
}

// Options returns the launch options the instance was started with.
func (d *Driver) Options(instanceID string) (models.LaunchOptions, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	opts, ok := d.opts[instanceID]
	return opts, ok
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
