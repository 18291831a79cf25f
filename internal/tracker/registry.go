package tracker

import (
	"fmt"
	"net/url"
	"time"
)

// NewClient dispatches on the announce URL's scheme and returns the
// matching transport.
func NewClient(rawURL string, timeout time.Duration) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(rawURL, timeout), nil
	case "udp":
		return NewUDPTracker(rawURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
