package routing

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidAddress is returned for a relay address that cannot be used.
var ErrInvalidAddress = errors.New("invalid relay address")

// ValidateAddress checks that addr is an absolute http, https or socks5 URL.
func ValidateAddress(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}
	return nil
}
