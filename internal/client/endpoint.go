// ABOUTME: Normalizes user-supplied relay endpoints into ws:// or wss:// URLs.

package client

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidEndpoint indicates an endpoint that is not a ws or wss URL.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// NormalizeEndpoint prepends ws:// when no scheme is given and rejects
// anything other than ws and wss.
func NormalizeEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: scheme %q (expected ws or wss)", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u.String(), nil
}
