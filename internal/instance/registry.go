// Package instance tracks the known archive mirror front-ends, probes
// their latency and keeps them ranked so the rest of the engine always
// has a current best instance to talk to.
package instance

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/warreth/OpenlibExtended-sub001/internal/logging"
	"github.com/warreth/OpenlibExtended-sub001/internal/store"
)

// LatencyUnknown marks an instance that has never been probed or that
// timed out during the last pass.
const LatencyUnknown = time.Duration(-1)

// Instance is one archive front-end.
type Instance struct {
	Name        string        `json:"name"`
	BaseURL     string        `json:"base_url"`
	Enabled     bool          `json:"enabled"`
	Rank        int           `json:"rank"`
	Latency     time.Duration `json:"latency_ms"`
	LastProbed  time.Time     `json:"last_probed"`
	UserDefined bool          `json:"user_defined"`
}

// Prober measures how long one instance takes to answer.
type Prober interface {
	Probe(ctx context.Context, baseURL string) (time.Duration, error)
}

// defaultInstances seeds the registry on first run. Instances are
// disabled by the user, never deleted, so the defaults stay recoverable.
func defaultInstances() []Instance {
	return []Instance{
		{Name: "annas-archive.org", BaseURL: "https://annas-archive.org", Enabled: true, Rank: 0, Latency: LatencyUnknown},
		{Name: "annas-archive.se", BaseURL: "https://annas-archive.se", Enabled: true, Rank: 1, Latency: LatencyUnknown},
		{Name: "annas-archive.li", BaseURL: "https://annas-archive.li", Enabled: true, Rank: 2, Latency: LatencyUnknown},
	}
}

// Registry owns the instance list. All mutation goes through it; callers
// only ever see copies.
type Registry struct {
	st           *store.Store
	prober       Prober
	probeTimeout time.Duration
	rankInterval time.Duration

	mu        sync.RWMutex
	instances []Instance // ordered by ascending rank
}

// Options configures a Registry.
type Options struct {
	ProbeTimeout time.Duration
	RankInterval time.Duration
}

// NewRegistry builds a registry backed by the preference store. The
// default seed list is merged with persisted state: persisted rows win,
// defaults missing from the store are inserted.
func NewRegistry(ctx context.Context, st *store.Store, prober Prober, opts Options) (*Registry, error) {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 8 * time.Second
	}
	if opts.RankInterval <= 0 {
		opts.RankInterval = 24 * time.Hour
	}
	r := &Registry{
		st:           st,
		prober:       prober,
		probeTimeout: opts.ProbeTimeout,
		rankInterval: opts.RankInterval,
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	rows, err := r.st.ListInstances(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(rows))
	instances := make([]Instance, 0, len(rows)+3)
	for _, row := range rows {
		seen[row.Name] = true
		instances = append(instances, fromRow(row))
	}
	// Seed defaults that the store does not know yet.
	for _, def := range defaultInstances() {
		if seen[def.Name] {
			continue
		}
		def.Rank = len(instances)
		if err := r.st.UpsertInstance(ctx, toRow(def)); err != nil {
			return err
		}
		instances = append(instances, def)
	}
	sort.SliceStable(instances, func(i, j int) bool { return instances[i].Rank < instances[j].Rank })

	r.mu.Lock()
	r.instances = instances
	r.mu.Unlock()
	return nil
}

// Instances returns a copy of the full registry, ordered by rank.
func (r *Registry) Instances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// EnabledInstances returns a copy of the enabled subset, ordered by rank.
func (r *Registry) EnabledInstances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, in := range r.instances {
		if in.Enabled {
			out = append(out, in)
		}
	}
	return out
}

// CurrentInstance returns the top-ranked enabled instance.
func (r *Registry) CurrentInstance() (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.instances {
		if in.Enabled {
			return in, nil
		}
	}
	return Instance{}, ErrNoInstanceAvailable
}

// SetEnabled toggles one instance. Disabling the current instance simply
// promotes the next enabled one; nothing is deleted.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if err := r.st.SetInstanceEnabled(ctx, name, enabled); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].Name == name {
			r.instances[i].Enabled = enabled
			return nil
		}
	}
	return ErrUnknownInstance
}

// AddInstance appends a user-defined instance at the bottom of the
// ranking. It starts enabled with unknown latency.
func (r *Registry) AddInstance(ctx context.Context, name, baseURL string) (Instance, error) {
	r.mu.Lock()
	for _, in := range r.instances {
		if in.Name == name {
			r.mu.Unlock()
			return Instance{}, ErrDuplicateInstance
		}
	}
	in := Instance{
		Name:        name,
		BaseURL:     baseURL,
		Enabled:     true,
		Rank:        len(r.instances),
		Latency:     LatencyUnknown,
		UserDefined: true,
	}
	r.instances = append(r.instances, in)
	r.mu.Unlock()

	if err := r.st.UpsertInstance(ctx, toRow(in)); err != nil {
		return Instance{}, err
	}
	return in, nil
}

// ResetDefaults re-enables every default instance. This is the recovery
// path when the user has disabled everything and CurrentInstance fails.
func (r *Registry) ResetDefaults(ctx context.Context) error {
	for _, def := range defaultInstances() {
		if err := r.SetEnabled(ctx, def.Name, true); err != nil {
			return err
		}
	}
	return nil
}

// Rank probes every enabled instance concurrently and reorders the
// registry by ascending measured latency. Unreachable instances sort
// last but stay enabled: ranking is advisory, disabling is the user's
// call. If every probe fails the pass is abandoned and the previous
// ordering is retained, so a flaky network can never leave the user
// without a usable instance.
func (r *Registry) Rank(ctx context.Context) error {
	enabled := r.EnabledInstances()
	if len(enabled) == 0 {
		return ErrNoInstanceAvailable
	}

	type probeResult struct {
		latency time.Duration
		err     error
	}
	results := make([]probeResult, len(enabled))
	var wg sync.WaitGroup
	for i, in := range enabled {
		wg.Add(1)
		go func(i int, in Instance) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			latency, err := r.prober.Probe(pctx, in.BaseURL)
			results[i] = probeResult{latency: latency, err: err}
			logging.LogProbe(in.Name, latency, err)
		}(i, in)
	}
	wg.Wait()

	now := time.Now()
	allFailed := true
	for i := range enabled {
		if results[i].err != nil {
			enabled[i].Latency = LatencyUnknown
		} else {
			enabled[i].Latency = results[i].latency
			allFailed = false
		}
		enabled[i].LastProbed = now
	}
	if allFailed {
		logging.LogRankResult(nil, true)
		return ErrRankAbandoned
	}

	// Stable sort: ties and unreachable entries keep their prior
	// relative order, which avoids thrashing on near-equal latencies.
	sort.SliceStable(enabled, func(i, j int) bool {
		return sortKey(enabled[i].Latency) < sortKey(enabled[j].Latency)
	})

	r.mu.Lock()
	// Disabled instances keep trailing ranks in their previous order.
	disabled := make([]Instance, 0, len(r.instances))
	for _, in := range r.instances {
		if !in.Enabled {
			disabled = append(disabled, in)
		}
	}
	merged := append(enabled, disabled...)
	for i := range merged {
		merged[i].Rank = i
	}
	r.instances = merged
	rows := make([]store.InstanceRow, len(merged))
	order := make([]string, len(merged))
	for i, in := range merged {
		rows[i] = toRow(in)
		order[i] = in.Name
	}
	r.mu.Unlock()

	if err := r.st.SaveRanking(ctx, rows); err != nil {
		return err
	}
	if err := r.st.SetLastRankedAt(ctx, now); err != nil {
		return err
	}
	logging.LogRankResult(order, false)
	return nil
}

// RankOnStartupIfNeeded ranks only when the persisted last-rank
// timestamp is older than the configured interval. It reports whether a
// ranking pass actually ran.
func (r *Registry) RankOnStartupIfNeeded(ctx context.Context) (bool, error) {
	last, err := r.st.LastRankedAt(ctx)
	if err != nil {
		return false, err
	}
	if !last.IsZero() && time.Since(last) < r.rankInterval {
		return false, nil
	}
	if err := r.Rank(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func sortKey(d time.Duration) int64 {
	if d < 0 {
		return math.MaxInt64
	}
	return int64(d)
}

func fromRow(row store.InstanceRow) Instance {
	latency := LatencyUnknown
	if row.LatencyMS >= 0 {
		latency = time.Duration(row.LatencyMS) * time.Millisecond
	}
	return Instance{
		Name:        row.Name,
		BaseURL:     row.BaseURL,
		Enabled:     row.Enabled,
		Rank:        row.Rank,
		Latency:     latency,
		LastProbed:  row.LastProbed,
		UserDefined: row.UserDefined,
	}
}

func toRow(in Instance) store.InstanceRow {
	latencyMS := int64(-1)
	if in.Latency >= 0 {
		latencyMS = in.Latency.Milliseconds()
	}
	return store.InstanceRow{
		Name:        in.Name,
		BaseURL:     in.BaseURL,
		Enabled:     in.Enabled,
		Rank:        in.Rank,
		LatencyMS:   latencyMS,
		LastProbed:  in.LastProbed,
		UserDefined: in.UserDefined,
	}
}
