package models

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus represents the current state of a browser session
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"
	StatusTerminating SessionStatus = "terminating"
	StatusTerminated  SessionStatus = "terminated"
)

// Default launch settings applied to unset fields.
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)

// ErrInvalidOptions is returned by LaunchOptions.Validate.
var ErrInvalidOptions = errors.New("invalid launch options")

// Proxy describes an upstream proxy the browser should route through.
type Proxy struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Viewport is the browser window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LaunchOptions is the browser configuration a caller asked for.
type LaunchOptions struct {
	Headless  *bool    `json:"headless,omitempty"`
	Proxy     *Proxy   `json:"proxy,omitempty"`
	Viewport  Viewport `json:"viewport"`
	UserAgent string   `json:"userAgent,omitempty"`
}

// WithDefaults returns a copy of o with every unset field filled in.
// Pointer fields are copied so the result shares no memory with o.
func (o LaunchOptions) WithDefaults() LaunchOptions {
	headless := true
	if o.Headless != nil {
		headless = *o.Headless
	}
	o.Headless = &headless

	if o.Proxy != nil {
		p := *o.Proxy
		o.Proxy = &p
	}

	if o.Viewport.Width == 0 {
		o.Viewport.Width = DefaultViewportWidth
	}
	if o.Viewport.Height == 0 {
		o.Viewport.Height = DefaultViewportHeight
	}
	return o
}

// Clone returns a copy of o that shares no pointers with it.
func (o LaunchOptions) Clone() LaunchOptions {
	if o.Headless != nil {
		h := *o.Headless
		o.Headless = &h
	}
	if o.Proxy != nil {
		p := *o.Proxy
		o.Proxy = &p
	}
	return o
}

// IsHeadless reports the effective headless flag.
func (o LaunchOptions) IsHeadless() bool {
	return o.Headless == nil || *o.Headless
}

// Validate checks the options after defaults were applied.
func (o LaunchOptions) Validate() error {
	if o.Viewport.Width <= 0 || o.Viewport.Height <= 0 {
		return fmt.Errorf("%w: viewport must be positive, got %dx%d",
			ErrInvalidOptions, o.Viewport.Width, o.Viewport.Height)
	}
	if o.Proxy != nil && o.Proxy.Server == "" {
		return fmt.Errorf("%w: proxy server is required", ErrInvalidOptions)
	}
	return nil
}

// Session is a point-in-time view of one managed browser
type Session struct {
	ID         string        `json:"id"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	WSEndpoint string        `json:"wsEndpoint"`
	Options    LaunchOptions `json:"options"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.Options = s.Options.Clone()
	return s
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	Headless  *bool     `json:"headless,omitempty"`
	Proxy     *Proxy    `json:"proxy,omitempty"`
	Viewport  *Viewport `json:"viewport,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// LaunchOptions converts the request into registry launch options.
func (r CreateSessionRequest) LaunchOptions() LaunchOptions {
	opts := LaunchOptions{
		Headless:  r.Headless,
		Proxy:     r.Proxy,
		UserAgent: r.UserAgent,
	}
	if r.Viewport != nil {
		opts.Viewport = *r.Viewport
	}
	return opts
}
