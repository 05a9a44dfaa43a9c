package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// copyBufSize is the chunk size for streaming reads; each full chunk
// fires one progress callback.
const copyBufSize = 32 * 1024

// HTTPClient abstracts over *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransferError wraps a failed mirror attempt and classifies it for the
// racing/fallback logic.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transfer %s: status %d", e.URL, e.StatusCode)
}

func (e *TransferError) Unwrap() error { return e.Err }

// FastFail reports an error that disqualifies this mirror immediately:
// the candidate is skipped and the next one tried, without burning
// retries on it.
func (e *TransferError) FastFail() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return true
	}
	return errors.Is(e.Err, syscall.ECONNREFUSED)
}

// Transient reports an error worth retrying against the same mirror:
// server hiccups, resets and timeouts.
func (e *TransferError) Transient() bool {
	if e.FastFail() {
		return false
	}
	if e.StatusCode >= 500 {
		return true
	}
	if e.Err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(e.Err, io.ErrUnexpectedEOF) ||
		errors.Is(e.Err, syscall.ECONNRESET) ||
		errors.Is(e.Err, syscall.EPIPE)
}

// Transfer streams one mirror URL to a destination file.
type Transfer struct {
	client HTTPClient
}

// NewTransfer builds a Transfer over the given client.
func NewTransfer(client HTTPClient) *Transfer {
	if client == nil {
		client = &http.Client{Timeout: 0} // streaming; per-attempt ctx bounds connect
	}
	return &Transfer{client: client}
}

// Fetch downloads rawURL into destPath starting at offset. A zero
// offset truncates any previous partial file; a positive offset sends a
// Range request and appends when the server honours it, else restarts
// from scratch. onProgress receives cumulative downloaded bytes and the
// total size (0 when unknown).
//
// It returns whether the server supports ranged requests, so the
// caller knows if a later pause is resumable. Cancellation arrives via
// ctx and surfaces as a context error at the next read checkpoint.
func (tr *Transfer) Fetch(ctx context.Context, rawURL, destPath string, offset int64, onProgress func(downloaded, total int64)) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, &TransferError{URL: rawURL, Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := tr.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, &TransferError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	var start int64
	switch resp.StatusCode {
	case http.StatusOK:
		start = 0 // full body; any partial bytes are stale
	case http.StatusPartialContent:
		start = offset
	default:
		return false, &TransferError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	supportsRange := resp.StatusCode == http.StatusPartialContent ||
		strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	total := totalSize(resp, start)

	flags := os.O_CREATE | os.O_WRONLY
	if start == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return supportsRange, err
	}
	defer f.Close()
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return supportsRange, err
		}
	}

	downloaded := start
	buf := make([]byte, copyBufSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return supportsRange, werr
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(downloaded, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return supportsRange, ctxErr
			}
			return supportsRange, &TransferError{URL: rawURL, Err: rerr}
		}
	}

	// A known total that we fell short of is a truncated stream.
	if total > 0 && downloaded < total {
		return supportsRange, &TransferError{URL: rawURL, Err: io.ErrUnexpectedEOF}
	}
	return supportsRange, nil
}

// totalSize derives the full artifact size from the response headers.
func totalSize(resp *http.Response, start int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		// Content-Range: bytes start-end/total
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if i := strings.LastIndexByte(cr, '/'); i >= 0 {
				if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil && n > 0 {
					return n
				}
			}
		}
		if resp.ContentLength > 0 {
			return start + resp.ContentLength
		}
		return 0
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

// backoffDelay returns the delay before retry attempt n (0-based),
// capped exponential.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if max := 30 * time.Second; d > max {
		d = max
	}
	return d
}
