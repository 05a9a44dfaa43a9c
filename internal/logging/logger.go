package logging

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger
func Init(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper functions for common logging patterns

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values, which is where
// donation keys end up on fast-download links.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogTaskStateChange logs task state transitions
func LogTaskStateChange(taskID, mirrorURL, status string) {
	if Logger == nil {
		return
	}
	Logger.Info("task state changed",
		"event", "task_state_change",
		"task_id", taskID,
		"mirror", RedactURL(mirrorURL),
		"status", status)
}

// LogTaskProgress logs transfer progress updates
func LogTaskProgress(taskID string, downloaded, total int64) {
	if Logger == nil {
		return
	}
	Logger.Debug("task progress",
		"event", "task_progress",
		"task_id", taskID,
		"downloaded", humanize.Bytes(uint64(downloaded)),
		"total", humanize.Bytes(uint64(total)))
}

// LogTaskError logs task failures
func LogTaskError(taskID, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "task_error",
		"task_id", taskID,
		"error", err)
}

// LogMirrorAttempt logs one candidate-mirror attempt
func LogMirrorAttempt(taskID, mirrorURL string, index int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("mirror attempt failed",
			"event", "mirror_attempt_error",
			"task_id", taskID,
			"mirror", RedactURL(mirrorURL),
			"index", index,
			"error", err)
	} else {
		Logger.Info("mirror committed",
			"event", "mirror_commit",
			"task_id", taskID,
			"mirror", RedactURL(mirrorURL),
			"index", index)
	}
}

// LogResolve logs DoH resolutions
func LogResolve(provider, hostname string, addrs int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("doh resolve failed",
			"event", "doh_resolve_error",
			"provider", provider,
			"hostname", hostname,
			"error", err)
	} else {
		Logger.Debug("doh resolve",
			"event", "doh_resolve",
			"provider", provider,
			"hostname", hostname,
			"addrs", addrs)
	}
}

// LogProbe logs one instance latency probe
func LogProbe(instance string, latency time.Duration, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("instance probe failed",
			"event", "instance_probe_error",
			"instance", instance,
			"error", err)
	} else {
		Logger.Debug("instance probe",
			"event", "instance_probe",
			"instance", instance,
			"latency_ms", latency.Milliseconds())
	}
}

// LogRankResult logs the outcome of a ranking pass
func LogRankResult(order []string, abandoned bool) {
	if Logger == nil {
		return
	}
	Logger.Info("instance ranking",
		"event", "instance_rank",
		"order", strings.Join(order, ","),
		"abandoned", abandoned)
}

// LogVerify logs checksum verification outcomes
func LogVerify(taskID, algo string, ok bool) {
	if Logger == nil {
		return
	}
	Logger.Info("checksum verification",
		"event", "verify",
		"task_id", taskID,
		"algo", algo,
		"ok", ok)
}

// LogDBOperation logs database operations
func LogDBOperation(operation string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("database operation failed",
			"event", "db_operation_error",
			"operation", operation,
			"error", err)
	} else {
		Logger.Debug("database operation",
			"event", "db_operation",
			"operation", operation)
	}
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}
