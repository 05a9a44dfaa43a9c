package mirror

import (
	"errors"
	"fmt"
)

// ErrNoMirrors indicates the page parsed fine but listed no download
// candidates.
var ErrNoMirrors = errors.New("no mirrors found")

// PageFetchError wraps transport or status failures while fetching the
// book detail page.
type PageFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *PageFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *PageFetchError) Unwrap() error { return e.Err }

// ChallengeRequiredError indicates the instance answered with an
// anti-bot interstitial. URL is the challenge page a human must pass;
// the task carrying this error is recoverable through
// RestartWithMirrors once fresh URLs are obtained out of band.
type ChallengeRequiredError struct {
	URL string
}

func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("manual verification required at %s", e.URL)
}
