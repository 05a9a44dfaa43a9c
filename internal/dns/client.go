package dns

import (
	"context"
	"net"
	"net/http"
	"time"
)

// dialTimeout bounds a single connect attempt inside the shared
// transport; the per-request context still bounds the whole call.
const dialTimeout = 10 * time.Second

// NewDialingClient returns an http.Client whose transport resolves
// hostnames through r when DoH is enabled, falling back to the platform
// resolver otherwise. requestTimeout of zero leaves the client unbounded,
// which streaming downloads need; per-attempt contexts still apply.
func NewDialingClient(r *Resolver, requestTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if r == nil || !r.Enabled() {
				return dialer.DialContext(ctx, network, addr)
			}
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			addrs, err := r.Resolve(ctx, host)
			if err != nil {
				// Resolution failure falls back to the platform path;
				// the caller decides whether to cycle DoH providers.
				return dialer.DialContext(ctx, network, addr)
			}
			var lastErr error
			for _, ip := range addrs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConns:    8,
		IdleConnTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: requestTimeout}
}
