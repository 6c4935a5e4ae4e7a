//go:build !profile

package prof

import "errors"

// Enabled reports whether profiling support is compiled in.
const Enabled = false

// ErrActive is returned by [Start] while another session is running.
var ErrActive = errors.New("profile session already active")

// Session is inert without the "profile" build tag.
type Session struct{}

// Start returns an inert session.
func Start(_, _ string) (*Session, error) {
	return &Session{}, nil
}

// Stop does nothing.
func (s *Session) Stop() error {
	return nil
}

// Active always reports false.
func Active() bool {
	return false
}
