package instance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	dohdns "github.com/warreth/OpenlibExtended-sub001/internal/dns"
)

// HTTPProber measures instance latency with a HEAD request against the
// instance root. When the DoH resolver is enabled, hostname resolution
// goes through it instead of the platform resolver, so a DNS-blocked
// instance can still be probed.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber builds a prober whose transport dials through the given
// resolver. Pass nil to use platform DNS only.
func NewHTTPProber(resolver *dohdns.Resolver, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPProber{
		client: dohdns.NewDialingClient(resolver, timeout),
	}
}

// Probe returns the time to complete a HEAD request against baseURL.
func (p *HTTPProber) Probe(ctx context.Context, baseURL string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return LatencyUnknown, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return LatencyUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return LatencyUnknown, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
