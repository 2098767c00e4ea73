package telemetry

import (
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

// LogObserver logs registry lifecycle events.
type LogObserver struct {
	log *zap.Logger
}

var _ session.Observer = (*LogObserver)(nil)

func NewLogObserver(log *zap.Logger) *LogObserver {
	return &LogObserver{log: log.Named("registry")}
}

func (o *LogObserver) SessionCreated(s models.Session, took time.Duration) {
	o.log.Info("session created",
		zap.String("session", s.ID),
		zap.String("endpoint", s.WSEndpoint),
		zap.Bool("headless", s.Options.IsHeadless()),
		zap.Int("width", s.Options.Viewport.Width),
		zap.Int("height", s.Options.Viewport.Height),
		zap.Bool("proxy", s.Options.Proxy != nil),
		zap.Duration("took", took),
	)
}

func (o *LogObserver) LaunchFailed(err error) {
	o.log.Warn("browser launch failed", zap.Error(err))
}

func (o *LogObserver) SessionTerminated(s models.Session, reason session.Reason, err error) {
	fields := []zap.Field{
		zap.String("session", s.ID),
		zap.String("reason", string(reason)),
	}
	if err != nil {
		o.log.Warn("session removed but browser did not stop cleanly", append(fields, zap.Error(err))...)
		return
	}
	o.log.Info("session terminated", fields...)
}
