// Package browser launches and stops the browser processes backing sessions.
package browser

import (
	"context"
	"os/exec"

	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Driver starts and stops browser processes.
type Driver interface {
	// Launch starts one browser for sessionID. The returned Instance is owned by
	// the caller, which must eventually pass it to Terminate exactly once.
	Launch(ctx context.Context, sessionID string, opts models.LaunchOptions) (*Instance, error)
	Terminate(ctx context.Context, inst *Instance) error
	Close() error
}

// Instance is a handle to one running browser.
type Instance struct {
	ID          string
	SessionID   string
	ConnectURL  string
	UserDataDir string

	// local process state
	cmd    *exec.Cmd
	exited chan struct{}
}
