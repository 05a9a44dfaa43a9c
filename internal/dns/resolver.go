// Package dns resolves archive hostnames over DNS-over-HTTPS so that
// platform-level DNS blocking of mirror sites does not take the whole
// engine down with it.
package dns

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"github.com/warreth/OpenlibExtended-sub001/internal/logging"
)

// maxResponseSize bounds how much of a DoH response body is read.
const maxResponseSize = 65535

// defaultCacheTTL is how long a positive answer is served from cache.
const defaultCacheTTL = 5 * time.Minute

// Provider is one DoH endpoint.
type Provider struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Custom bool   `json:"custom"`
}

// BuiltinProviders is the immutable default provider set. User-added
// providers are appended after these and never interleave.
func BuiltinProviders() []Provider {
	return []Provider{
		{Name: "Cloudflare", URL: "https://cloudflare-dns.com/dns-query"},
		{Name: "Google", URL: "https://dns.google/dns-query"},
		{Name: "Quad9", URL: "https://dns.quad9.net/dns-query"},
		{Name: "AdGuard", URL: "https://dns.adguard-dns.com/dns-query"},
	}
}

// HTTPClient abstracts over *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver resolves hostnames via the currently selected DoH provider.
//
// The provider list and the enabled flag are plain configuration state;
// mutating them never performs network I/O. Each Resolve call snapshots
// the current provider before doing anything, so a concurrent provider
// switch cannot redirect an in-flight query.
type Resolver struct {
	client HTTPClient

	mu        sync.RWMutex
	providers []Provider
	current   int
	enabled   bool

	cache    *lru.Cache[string, cacheEntry]
	cacheTTL time.Duration
}

// NewResolver creates a Resolver over the given provider list. The list
// must hold the built-ins first; pass the result of BuiltinProviders
// plus any persisted custom entries.
func NewResolver(client HTTPClient, providers []Provider) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if len(providers) == 0 {
		providers = BuiltinProviders()
	}
	cache, _ := lru.New[string, cacheEntry](256)
	return &Resolver{
		client:    client,
		providers: providers,
		enabled:   true,
		cache:     cache,
		cacheTTL:  defaultCacheTTL,
	}
}

// Providers returns a copy of the ordered provider list.
func (r *Resolver) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Current returns the currently selected provider.
func (r *Resolver) Current() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.current]
}

// SetProvider selects the provider with the given name.
func (r *Resolver) SetProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.providers {
		if p.Name == name {
			r.current = i
			return nil
		}
	}
	return &ResolutionError{Provider: name, Err: ErrUnknownProvider}
}

// AddCustomProvider appends a user-defined provider to the list.
func (r *Resolver) AddCustomProvider(name, url string) Provider {
	p := Provider{Name: name, URL: url, Custom: true}
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.mu.Unlock()
	return p
}

// CycleToNextProvider advances to the next provider in order, wrapping
// at the end of the list, and returns the newly selected provider. Used
// when the active provider is itself unreachable or blocked.
func (r *Resolver) CycleToNextProvider() Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = (r.current + 1) % len(r.providers)
	return r.providers[r.current]
}

// SetDoHEnabled toggles DoH resolution. Pure configuration mutation.
func (r *Resolver) SetDoHEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

// Enabled reports whether DoH resolution is active. When false, callers
// fall back to the platform resolver instead of calling Resolve.
func (r *Resolver) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Resolve queries the current provider for A and AAAA records of
// hostname. It does not retry internally; on failure the caller decides
// whether to cycle providers and try again.
func (r *Resolver) Resolve(ctx context.Context, hostname string) ([]string, error) {
	// Snapshot configuration before any I/O.
	r.mu.RLock()
	provider := r.providers[r.current]
	enabled := r.enabled
	r.mu.RUnlock()

	if !enabled {
		return nil, &ResolutionError{Provider: provider.Name, Hostname: hostname, Err: ErrDisabled}
	}

	if entry, ok := r.cache.Get(hostname); ok && time.Now().Before(entry.expires) {
		return entry.addrs, nil
	}

	type result struct {
		addrs []string
		err   error
	}
	ach := make(chan result, 1)
	aaaach := make(chan result, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		addrs, err := r.exchange(ctx, provider, hostname, dns.TypeA)
		ach <- result{addrs, err}
	}()
	go func() {
		defer wg.Done()
		addrs, err := r.exchange(ctx, provider, hostname, dns.TypeAAAA)
		aaaach <- result{addrs, err}
	}()
	wg.Wait()

	ares, aaaares := <-ach, <-aaaach
	if ares.err != nil && aaaares.err != nil {
		err := &ResolutionError{Provider: provider.Name, Hostname: hostname, Err: ares.err}
		logging.LogResolve(provider.Name, hostname, 0, err)
		return nil, err
	}

	addrs := append(ares.addrs, aaaares.addrs...)
	if len(addrs) == 0 {
		err := &ResolutionError{Provider: provider.Name, Hostname: hostname, Err: ErrNoAnswer}
		logging.LogResolve(provider.Name, hostname, 0, err)
		return nil, err
	}

	r.cache.Add(hostname, cacheEntry{addrs: addrs, expires: time.Now().Add(r.cacheTTL)})
	logging.LogResolve(provider.Name, hostname, len(addrs), nil)
	return addrs, nil
}

// exchange performs one wire-format DoH query against a provider.
func (r *Resolver) exchange(ctx context.Context, provider Provider, hostname string, qtype uint16) ([]string, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(hostname), qtype)
	// RFC 8484 suggests a zero message ID for DoH.
	query.Id = 0

	rawQuery, err := query.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.URL, bytes.NewReader(rawQuery))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrServerMisbehaving
	}
	if resp.Header.Get("Content-Type") != "application/dns-message" {
		return nil, ErrServerMisbehaving
	}

	rawResp, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, ErrServerMisbehaving
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(rawResp); err != nil {
		return nil, err
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, ErrServerMisbehaving
	}

	addrs := make([]string, 0, len(reply.Answer))
	for _, rr := range reply.Answer {
		switch a := rr.(type) {
		case *dns.A:
			addrs = append(addrs, a.A.String())
		case *dns.AAAA:
			addrs = append(addrs, a.AAAA.String())
		}
	}
	return addrs, nil
}
