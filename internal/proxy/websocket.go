// Package proxy relays CDP WebSocket traffic between API clients and the
// browser behind a session.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserhub/internal/session"
	"github.com/shehryarbajwa/browserhub/pkg/models"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionLookup resolves a session id.
type SessionLookup interface {
	Get(id string) (models.Session, error)
}

type Server struct {
	sessions SessionLookup
	dialer   *websocket.Dialer
	log      *zap.Logger
}

func NewServer(sessions SessionLookup, log *zap.Logger) *Server {
	return &Server{
		sessions: sessions,
		dialer:   websocket.DefaultDialer,
		log:      log.Named("proxy"),
	}
}

// HandleDebugConnection upgrades the request and pipes frames to and from the
// session's browser until either side hangs up.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()

	// Dial first so a dead browser is reported as a plain HTTP error.
	browserConn, _, err := s.dialer.DialContext(ctx, sess.WSEndpoint, nil)
	if err != nil {
		s.log.Warn("failed to connect to browser", zap.String("session", sessionID), zap.Error(err))
		http.Error(w, "browser unreachable", http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.String("session", sessionID), zap.Error(err))
		return
	}
	defer clientConn.Close()

	s.log.Debug("client attached", zap.String("session", sessionID))

	errChan := make(chan error, 2)
	go func() {
		errChan <- s.proxyMessages(clientConn, browserConn)
	}()
	go func() {
		errChan <- s.proxyMessages(browserConn, clientConn)
	}()

	err = <-errChan
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug("relay closed", zap.String("session", sessionID), zap.Error(err))
	}

	s.log.Debug("client detached", zap.String("session", sessionID))
}

func (s *Server) proxyMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			// pass the close on so the other side sees it
			if ce, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
