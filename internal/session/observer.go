package session

import (
	"time"

	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// Reason says why a session was terminated.
type Reason string

const (
	ReasonDeleted  Reason = "deleted"
	ReasonExpired  Reason = "expired"
	ReasonShutdown Reason = "shutdown"
	// ReasonAborted marks a browser torn down before its session was ever
	// visible, e.g. a launch that finished after its deadline.
	ReasonAborted Reason = "aborted"
)

// Observer receives registry lifecycle events. Implementations must be safe
// for concurrent use and must not call back into the registry.
type Observer interface {
	SessionCreated(s models.Session, took time.Duration)
	LaunchFailed(err error)
	// SessionTerminated is called once per launched browser. err is a
	// *TerminationError when the driver failed to stop it.
	SessionTerminated(s models.Session, reason Reason, err error)
}

// Observers fans events out to every element.
type Observers []Observer

func (o Observers) SessionCreated(s models.Session, took time.Duration) {
	for _, obs := range o {
		obs.SessionCreated(s, took)
	}
}

func (o Observers) LaunchFailed(err error) {
	for _, obs := range o {
		obs.LaunchFailed(err)
	}
}

func (o Observers) SessionTerminated(s models.Session, reason Reason, err error) {
	for _, obs := range o {
		obs.SessionTerminated(s, reason, err)
	}
}
