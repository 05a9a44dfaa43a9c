package instance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/warreth/OpenlibExtended-sub001/internal/store"
)

// fakeProber answers probes from a fixed latency map; missing entries
// fail like a timeout.
type fakeProber struct {
	latencies map[string]time.Duration
}

func (f *fakeProber) Probe(ctx context.Context, baseURL string) (time.Duration, error) {
	if d, ok := f.latencies[baseURL]; ok {
		return d, nil
	}
	return LatencyUnknown, context.DeadlineExceeded
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRegistry(t *testing.T, st *store.Store, prober Prober) *Registry {
	t.Helper()
	reg, err := NewRegistry(context.Background(), st, prober, Options{
		ProbeTimeout: time.Second,
		RankInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func seedInstances(t *testing.T, st *store.Store, rows []store.InstanceRow) {
	t.Helper()
	for _, r := range rows {
		if err := st.UpsertInstance(context.Background(), r); err != nil {
			t.Fatalf("seed %s: %v", r.Name, err)
		}
	}
}

func TestDefaultsSeededOnFirstRun(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeProber{})

	instances := reg.Instances()
	if len(instances) != 3 {
		t.Fatalf("expected 3 default instances, got %d", len(instances))
	}
	cur, err := reg.CurrentInstance()
	if err != nil {
		t.Fatalf("current instance: %v", err)
	}
	if cur.Name != instances[0].Name {
		t.Errorf("expected top-ranked instance current, got %s", cur.Name)
	}

	// Seeds were persisted.
	rows, err := st.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected seeds persisted, got %d rows", len(rows))
	}
}

func TestPersistedStateWinsOverDefaults(t *testing.T) {
	st := openTestStore(t)
	seedInstances(t, st, []store.InstanceRow{
		{Name: "annas-archive.org", BaseURL: "https://annas-archive.org", Enabled: false, Rank: 0},
		{Name: "annas-archive.se", BaseURL: "https://annas-archive.se", Enabled: true, Rank: 1},
		{Name: "annas-archive.li", BaseURL: "https://annas-archive.li", Enabled: true, Rank: 2},
	})
	reg := newTestRegistry(t, st, &fakeProber{})

	cur, err := reg.CurrentInstance()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Name != "annas-archive.se" {
		t.Errorf("expected disabled default skipped, got %s", cur.Name)
	}
}

func TestCurrentInstanceNoneEnabled(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeProber{})

	for _, in := range reg.Instances() {
		if err := reg.SetEnabled(context.Background(), in.Name, false); err != nil {
			t.Fatalf("disable %s: %v", in.Name, err)
		}
	}
	if _, err := reg.CurrentInstance(); !errors.Is(err, ErrNoInstanceAvailable) {
		t.Fatalf("expected ErrNoInstanceAvailable, got %v", err)
	}

	// ResetDefaults recovers.
	if err := reg.ResetDefaults(context.Background()); err != nil {
		t.Fatalf("reset defaults: %v", err)
	}
	if _, err := reg.CurrentInstance(); err != nil {
		t.Fatalf("expected recovery after reset, got %v", err)
	}
}

func TestRankOrdersByLatencyUnreachableLast(t *testing.T) {
	st := openTestStore(t)
	// Prior ranking puts B first; A is faster, C times out.
	seedInstances(t, st, []store.InstanceRow{
		{Name: "b", BaseURL: "https://b", Enabled: true, Rank: 0},
		{Name: "c", BaseURL: "https://c", Enabled: true, Rank: 1},
		{Name: "a", BaseURL: "https://a", Enabled: true, Rank: 2},
		{Name: "annas-archive.org", BaseURL: "https://annas-archive.org", Enabled: false, Rank: 3},
		{Name: "annas-archive.se", BaseURL: "https://annas-archive.se", Enabled: false, Rank: 4},
		{Name: "annas-archive.li", BaseURL: "https://annas-archive.li", Enabled: false, Rank: 5},
	})
	prober := &fakeProber{latencies: map[string]time.Duration{
		"https://a": 10 * time.Millisecond,
		"https://b": 50 * time.Millisecond,
	}}
	reg := newTestRegistry(t, st, prober)

	if err := reg.Rank(context.Background()); err != nil {
		t.Fatalf("rank: %v", err)
	}

	enabled := reg.EnabledInstances()
	want := []string{"a", "b", "c"}
	for i, n := range want {
		if enabled[i].Name != n {
			t.Fatalf("expected order %v, got %s at %d", want, enabled[i].Name, i)
		}
	}
	// C stays enabled despite being unreachable.
	if !enabled[2].Enabled {
		t.Error("unreachable instance must not be auto-disabled")
	}
	if enabled[2].Latency != LatencyUnknown {
		t.Errorf("expected unknown latency for c, got %s", enabled[2].Latency)
	}

	// Ranking was persisted.
	rows, err := st.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rows[0].Name != "a" {
		t.Errorf("expected persisted rank 0 = a, got %s", rows[0].Name)
	}
}

func TestRankStableOnTies(t *testing.T) {
	st := openTestStore(t)
	seedInstances(t, st, []store.InstanceRow{
		{Name: "x", BaseURL: "https://x", Enabled: true, Rank: 0},
		{Name: "y", BaseURL: "https://y", Enabled: true, Rank: 1},
		{Name: "annas-archive.org", BaseURL: "https://annas-archive.org", Enabled: false, Rank: 2},
		{Name: "annas-archive.se", BaseURL: "https://annas-archive.se", Enabled: false, Rank: 3},
		{Name: "annas-archive.li", BaseURL: "https://annas-archive.li", Enabled: false, Rank: 4},
	})
	prober := &fakeProber{latencies: map[string]time.Duration{
		"https://x": 20 * time.Millisecond,
		"https://y": 20 * time.Millisecond,
	}}
	reg := newTestRegistry(t, st, prober)

	if err := reg.Rank(context.Background()); err != nil {
		t.Fatalf("rank: %v", err)
	}
	enabled := reg.EnabledInstances()
	if enabled[0].Name != "x" || enabled[1].Name != "y" {
		t.Errorf("tie must keep prior order, got %s, %s", enabled[0].Name, enabled[1].Name)
	}
}

func TestRankAbandonedWhenAllProbesFail(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeProber{})

	before := reg.Instances()
	err := reg.Rank(context.Background())
	if !errors.Is(err, ErrRankAbandoned) {
		t.Fatalf("expected ErrRankAbandoned, got %v", err)
	}
	after := reg.Instances()
	for i := range before {
		if before[i].Name != after[i].Name {
			t.Fatalf("ordering must be retained on abandoned pass")
		}
	}
}

func TestRankOnStartupIfNeeded(t *testing.T) {
	st := openTestStore(t)
	prober := &fakeProber{latencies: map[string]time.Duration{
		"https://annas-archive.org": 30 * time.Millisecond,
		"https://annas-archive.se":  10 * time.Millisecond,
		"https://annas-archive.li":  20 * time.Millisecond,
	}}
	reg := newTestRegistry(t, st, prober)

	ranked, err := reg.RankOnStartupIfNeeded(context.Background())
	if err != nil {
		t.Fatalf("first startup rank: %v", err)
	}
	if !ranked {
		t.Fatal("expected first startup to rank")
	}

	// Within the interval: no second pass.
	ranked, err = reg.RankOnStartupIfNeeded(context.Background())
	if err != nil {
		t.Fatalf("second startup rank: %v", err)
	}
	if ranked {
		t.Fatal("expected no ranking inside interval")
	}
}

func TestAddInstance(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeProber{})

	in, err := reg.AddInstance(context.Background(), "my-mirror", "https://my-mirror.example")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !in.UserDefined || !in.Enabled {
		t.Errorf("expected enabled user-defined instance, got %+v", in)
	}
	if _, err := reg.AddInstance(context.Background(), "my-mirror", "https://other"); !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("expected ErrDuplicateInstance, got %v", err)
	}
	list := reg.Instances()
	if list[len(list)-1].Name != "my-mirror" {
		t.Errorf("expected user instance appended last, got %s", list[len(list)-1].Name)
	}
}

func TestHTTPProberMeasuresLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p := NewHTTPProber(nil, time.Second)
	latency, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if latency < 0 {
		t.Errorf("expected non-negative latency, got %s", latency)
	}
}

func TestHTTPProberServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	p := NewHTTPProber(nil, time.Second)
	if _, err := p.Probe(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error on 5xx probe response")
	}
}
