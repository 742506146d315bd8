//go:build !linux

package pollnet

// NewPoller creates the platform readiness poller.
func NewPoller() (Poller, error) {
	return nil, ErrUnsupportedPlatform
}
