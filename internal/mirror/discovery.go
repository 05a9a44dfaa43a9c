// Package mirror extracts per-book download candidates from an archive
// instance's detail page.
package mirror

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// userAgent matches a plain browser; challenge walls score headless
// clients much more aggressively.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// maxPageSize bounds how much of a detail page is read. Real book
// pages are well under this; anything past it is cut off before the
// parser sees it.
const maxPageSize = 2 << 20

// HTTPClient abstracts over *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Discoverer fetches a book detail page and extracts candidate mirror
// URLs in page order, fastest/preferred first.
type Discoverer struct {
	client HTTPClient
}

// NewDiscoverer builds a Discoverer over the given client.
func NewDiscoverer(client HTTPClient) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Discoverer{client: client}
}

// FetchMirrors returns the ordered download candidates found on the
// book page at bookURL. A non-empty donationKey unlocks the
// fast-download links, which the page lists ahead of the slow ones.
//
// A page that is an anti-bot interstitial rather than a book page is
// reported as *ChallengeRequiredError carrying the challenge URL, so
// the caller can route to human-assisted recovery instead of retrying
// blindly.
func (d *Discoverer) FetchMirrors(ctx context.Context, bookURL, donationKey string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bookURL, nil)
	if err != nil {
		return nil, &PageFetchError{URL: bookURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	if donationKey != "" {
		req.Header.Set("Authorization", "Bearer "+donationKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &PageFetchError{URL: bookURL, Err: err}
	}
	defer resp.Body.Close()

	finalURL := bookURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	// Challenge walls answer 403/503 with an interstitial body; parse
	// the body before judging the status code.
	doc, perr := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageSize))
	if perr == nil && isChallengePage(doc) {
		return nil, &ChallengeRequiredError{URL: finalURL}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &PageFetchError{URL: bookURL, StatusCode: resp.StatusCode}
	}
	if perr != nil {
		return nil, &PageFetchError{URL: bookURL, Err: perr}
	}

	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, &PageFetchError{URL: bookURL, Err: err}
	}

	mirrors := extractMirrors(doc, base, donationKey != "")
	if len(mirrors) == 0 {
		return nil, ErrNoMirrors
	}
	return mirrors, nil
}

// challengeMarkers are substrings seen on Cloudflare and DDoS-Guard
// interstitials.
var challengeMarkers = []string{
	"just a moment",
	"attention required",
	"checking your browser",
	"verify you are human",
	"ddos-guard",
}

func isChallengePage(doc *goquery.Document) bool {
	title := strings.ToLower(doc.Find("title").First().Text())
	for _, marker := range challengeMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	if doc.Find("#challenge-form, #challenge-running, #cf-challenge-running").Length() > 0 {
		return true
	}
	return false
}

// extractMirrors walks the page anchors in document order and keeps the
// ones that look like download endpoints. Fast-download links only
// count when the caller holds a donation key; without one they lead to
// a paywall page, not a file.
func extractMirrors(doc *goquery.Document, base *url.URL, hasKey bool) []string {
	seen := make(map[string]bool)
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if !isMirrorHref(href, hasKey) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	})
	return out
}

func isMirrorHref(href string, hasKey bool) bool {
	lower := strings.ToLower(href)
	if strings.Contains(lower, "/fast_download/") {
		return hasKey
	}
	if strings.Contains(lower, "/slow_download/") {
		return true
	}
	// External mirrors linked from the page.
	for _, marker := range []string{"libgen", "/ipfs/", "library.lol"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
