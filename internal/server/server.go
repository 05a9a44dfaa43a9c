package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	dohdns "github.com/warreth/OpenlibExtended-sub001/internal/dns"
	"github.com/warreth/OpenlibExtended-sub001/internal/download"
	"github.com/warreth/OpenlibExtended-sub001/internal/instance"
	"github.com/warreth/OpenlibExtended-sub001/internal/logging"
	"github.com/warreth/OpenlibExtended-sub001/internal/store"
)

// downloadManager is the slice of the download engine the HTTP layer
// needs; tests substitute a fake.
type downloadManager interface {
	Enqueue(req download.Request) (string, error)
	Snapshot(id string) (download.Task, bool)
	SnapshotAll() []download.Task
	Subscribe(id string) (download.Task, <-chan download.Task, func(), error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Retry(id string) error
	RestartWithMirrors(id string, mirrors []string) error
}

type rateLimiter interface {
	Allow(key string) bool
}

// Deps carries the collaborators the handler set is wired over. Nil
// Instances, Resolver or Store disable the corresponding route groups.
type Deps struct {
	Manager   downloadManager
	Instances *instance.Registry
	Resolver  *dohdns.Resolver
	Store     *store.Store

	// OutputDir is where downloads land when a request does not name
	// an explicit destination path.
	OutputDir string
}

type api struct {
	mgr       downloadManager
	instances *instance.Registry
	resolver  *dohdns.Resolver
	st        *store.Store
	outputDir string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local control API; the engine binds loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New returns an http.Handler with routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &api{
		mgr:       deps.Manager,
		instances: deps.Instances,
		resolver:  deps.Resolver,
		st:        deps.Store,
		outputDir: deps.OutputDir,
	}
	rl := newIPRateLimiter(60, time.Minute) // 60 req/min/IP

	mux := http.NewServeMux()
	mux.HandleFunc("/api/download", with(rl, s.handleEnqueue))
	mux.HandleFunc("/api/status", with(rl, s.handleStatus))
	mux.HandleFunc("/api/pause", with(rl, s.taskAction(s.mgr.Pause)))
	mux.HandleFunc("/api/resume", with(rl, s.taskAction(s.mgr.Resume)))
	mux.HandleFunc("/api/cancel", with(rl, s.taskAction(s.mgr.Cancel)))
	mux.HandleFunc("/api/retry", with(rl, s.taskAction(s.mgr.Retry)))
	mux.HandleFunc("/api/restart_mirrors", with(rl, s.handleRestartMirrors))

	if s.instances != nil {
		mux.HandleFunc("/api/instances", with(rl, s.handleInstances))
		mux.HandleFunc("/api/instances/toggle", with(rl, s.handleInstanceToggle))
		mux.HandleFunc("/api/instances/rank", with(rl, s.handleInstanceRank))
		mux.HandleFunc("/api/instances/reset", with(rl, s.handleInstanceReset))
	}
	if s.resolver != nil {
		mux.HandleFunc("/api/providers", with(rl, s.handleProviders))
		mux.HandleFunc("/api/providers/select", with(rl, s.handleProviderSelect))
		mux.HandleFunc("/api/providers/cycle", with(rl, s.handleProviderCycle))
		mux.HandleFunc("/api/doh", with(rl, s.handleDoHToggle))
	}
	if s.st != nil {
		mux.HandleFunc("/api/donation_key", with(rl, s.handleDonationKey))
	}

	// Long-lived; deliberately outside the rate limiter.
	mux.HandleFunc("/api/events", s.handleEvents)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return recoverer(logger(mux))
}

func (s *api) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Title          string `json:"title"`
		Author         string `json:"author"`
		BookURL        string `json:"book_url"`
		ExpectedDigest string `json:"expected_digest"`
		DestPath       string `json:"dest_path"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.BookURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	if !validURL(req.BookURL) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
		return
	}
	dest := req.DestPath
	if dest == "" {
		if s.outputDir == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "missing_dest_path"})
			return
		}
		dest = filepath.Join(s.outputDir, destFileName(req.Title, req.BookURL))
	}

	id, err := s.mgr.Enqueue(download.Request{
		Title:          req.Title,
		Author:         req.Author,
		BookURL:        req.BookURL,
		ExpectedDigest: req.ExpectedDigest,
		DestPath:       dest,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "enqueued", "id": id})
}

func (s *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		t, ok := s.mgr.Snapshot(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "task_not_found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": []download.Task{t}})
		return
	}
	tasks := s.mgr.SnapshotAll()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": tasks})
}

// taskAction wraps the id-only lifecycle operations.
func (s *api) taskAction(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		if err := fn(req.ID); err != nil {
			writeManagerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	}
}

func (s *api) handleRestartMirrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ID      string   `json:"id"`
		Mirrors []string `json:"mirrors"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.ID == "" || len(req.Mirrors) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	for _, m := range req.Mirrors {
		if !validURL(m) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
			return
		}
	}
	if err := s.mgr.RestartWithMirrors(req.ID, req.Mirrors); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// instanceView flattens latency to milliseconds for the wire.
type instanceView struct {
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	Enabled     bool      `json:"enabled"`
	Rank        int       `json:"rank"`
	LatencyMS   int64     `json:"latency_ms"`
	LastProbed  time.Time `json:"last_probed"`
	UserDefined bool      `json:"user_defined"`
}

func toInstanceViews(list []instance.Instance) []instanceView {
	out := make([]instanceView, 0, len(list))
	for _, in := range list {
		v := instanceView{
			Name:        in.Name,
			BaseURL:     in.BaseURL,
			Enabled:     in.Enabled,
			Rank:        in.Rank,
			LatencyMS:   -1,
			LastProbed:  in.LastProbed,
			UserDefined: in.UserDefined,
		}
		if in.Latency != instance.LatencyUnknown {
			v.LatencyMS = in.Latency.Milliseconds()
		}
		out = append(out, v)
	}
	return out
}

func (s *api) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"instances": toInstanceViews(s.instances.Instances()),
		})
	case http.MethodPost:
		var req struct {
			Name    string `json:"name"`
			BaseURL string `json:"base_url"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		if !validURL(req.BaseURL) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
			return
		}
		added, err := s.instances.AddInstance(r.Context(), req.Name, req.BaseURL)
		if err != nil {
			writeInstanceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "instance": toInstanceViews([]instance.Instance{added})[0]})
	default:
		methodNotAllowed(w)
	}
}

func (s *api) handleInstanceToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	if err := s.instances.SetEnabled(r.Context(), req.Name, req.Enabled); err != nil {
		writeInstanceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *api) handleInstanceRank(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.instances.Rank(r.Context()); err != nil {
		if errors.Is(err, instance.ErrRankAbandoned) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"status": "error", "message": "rank_abandoned"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"instances": toInstanceViews(s.instances.Instances()),
	})
}

func (s *api) handleInstanceReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.instances.ResetDefaults(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"instances": toInstanceViews(s.instances.Instances()),
	})
}

func (s *api) handleProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "success",
			"providers":   s.resolver.Providers(),
			"current":     s.resolver.Current(),
			"doh_enabled": s.resolver.Enabled(),
		})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Name == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		if !validURL(req.URL) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_url"})
			return
		}
		p := s.resolver.AddCustomProvider(req.Name, req.URL)
		if s.st != nil {
			if err := s.st.AddProvider(r.Context(), store.ProviderRow{Name: p.Name, URL: p.URL, Custom: true}); err != nil {
				logging.LogDBOperation("add provider", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "provider": p})
	default:
		methodNotAllowed(w)
	}
}

func (s *api) handleProviderSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	if err := s.resolver.SetProvider(req.Name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "unknown_provider"})
		return
	}
	s.persistCurrentProvider(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "current": s.resolver.Current()})
}

func (s *api) handleProviderCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	next := s.resolver.CycleToNextProvider()
	s.persistCurrentProvider(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "current": next})
}

func (s *api) handleDoHToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	s.resolver.SetDoHEnabled(req.Enabled)
	if s.st != nil {
		val := "0"
		if req.Enabled {
			val = "1"
		}
		if err := s.st.SetSetting(r.Context(), store.SettingDoHEnabled, val); err != nil {
			logging.LogDBOperation("set doh enabled", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "doh_enabled": req.Enabled})
}

func (s *api) handleDonationKey(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		key, err := s.st.GetSetting(r.Context(), store.SettingDonationKey)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "donation_key": key})
	case http.MethodPost:
		var req struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
			return
		}
		if err := s.st.SetSetting(r.Context(), store.SettingDonationKey, req.Key); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	default:
		methodNotAllowed(w)
	}
}

// handleEvents streams task snapshots over a websocket. With ?id= the
// stream follows one task; without, a full snapshot is pushed once a
// second.
func (s *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reader loop only notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if id := r.URL.Query().Get("id"); id != "" {
		snap, ch, unsub, err := s.mgr.Subscribe(id)
		if err != nil {
			_ = writeWS(conn, map[string]any{"status": "error", "message": "task_not_found"})
			return
		}
		defer unsub()
		if writeWS(conn, snap) != nil {
			return
		}
		for {
			select {
			case snap := <-ch:
				if writeWS(conn, snap) != nil {
					return
				}
			case <-done:
				return
			}
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tasks := s.mgr.SnapshotAll()
			sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
			if writeWS(conn, map[string]any{"downloads": tasks}) != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func (s *api) persistCurrentProvider(ctx context.Context) {
	if s.st == nil {
		return
	}
	if err := s.st.SetSetting(ctx, store.SettingCurrentProvider, s.resolver.Current().Name); err != nil {
		logging.LogDBOperation("set current provider", err)
	}
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, download.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "queue_full"})
	case errors.Is(err, download.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "message": "shutting_down"})
	case errors.Is(err, download.ErrTaskNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "task_not_found"})
	case errors.Is(err, download.ErrNotChallenge):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "message": "not_challenge_failed"})
	case errors.Is(err, download.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "message": "invalid_transition"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
	}
}

func writeInstanceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, instance.ErrUnknownInstance), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "unknown_instance"})
	case errors.Is(err, instance.ErrDuplicateInstance):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "message": "duplicate_instance"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
	}
}

func validURL(u string) bool {
	if len(u) == 0 || len(u) > 2048 { // sanity cap
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed == nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

// destFileName derives a safe artifact file name from the request.
func destFileName(title, bookURL string) string {
	name := strings.TrimSpace(title)
	if name == "" {
		if u, err := url.Parse(bookURL); err == nil {
			if base := filepath.Base(u.Path); base != "/" && base != "." {
				name = base
			}
		}
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "download"
	}
	if len(out) > 128 {
		out = out[:128]
	}
	return out
}

// Middleware

func with(rl rateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade needs the raw ResponseWriter.
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.LogHTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), rec.status)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if logging.Logger != nil {
					logging.Logger.Error("panic in handler", "panic", v, "path", r.URL.Path)
				}
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Respect common proxy headers, then fall back to RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
