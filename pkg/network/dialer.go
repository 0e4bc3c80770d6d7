package network

import (
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// newDialer returns a direct dialer, or a SOCKS5 dialer when cfg.Proxy is set.
func newDialer(cfg Config) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.Proxy == "" {
		return direct, nil
	}

	u, err := url.Parse(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer for %q does not support contexts", u.Scheme)
	}
	return cd, nil
}
