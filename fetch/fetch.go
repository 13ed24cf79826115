// Package fetch implements the robots-aware, rate-limited HTTP retrieval
// component (C1).
package fetch

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/ptolemies/ptolemies"
)

const (
	maxRedirects  = 5
	maxBodyBytes  = 10 << 20 // 10 MB (§4.1.e)
	retryBase     = 500 * time.Millisecond
	retryMaxTries = 3
)

// Result is a successful fetch (§4.1).
type Result struct {
	URL         string
	Status      int
	Headers     http.Header
	Body        []byte
	NotModified bool
}

// Config controls Fetcher behaviour.
type Config struct {
	Timeout       time.Duration
	UserAgent     string
	RespectRobots bool
	// DelayMS is the per-host token-bucket refill interval (§4.1.b).
	DelayMS int
}

// Fetcher retrieves pages honoring robots.txt and a per-host rate limit.
// The per-host token buckets and the robots cache are the fetcher's only
// shared mutable state, guarded by a single fetcher-wide mutex; there are
// no separate per-host locks.
type Fetcher struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	robots   map[string]*robotsEntry
}

type robotsEntry struct {
	disallow []string
	expires  time.Time
}

// New constructs a Fetcher. log may be nil, in which case slog.Default()
// is used.
func New(cfg Config, log *slog.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DelayMS == 0 {
		cfg.DelayMS = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				// Redirects stay within the original registrable domain
				// (§4.1.f); anything else ends the chain at the last
				// response rather than following off-site.
				if !sameRegistrableDomain(via[0].URL, req.URL) {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		robots:   make(map[string]*robotsEntry),
	}
}

// Fetch retrieves rawURL, honoring robots.txt, per-host rate limiting,
// redirects, body-size caps, and conditional-request semantics when
// priorETag is non-empty. It returns a *ptolemies.FetchError for every
// failure mode named in §4.1.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, priorETag string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchNetwork, Err: err}
	}

	if f.cfg.RespectRobots {
		allowed, err := f.checkRobots(ctx, u)
		if err != nil {
			f.log.Warn("fetch: robots.txt check failed, proceeding", "host", u.Host, "error", err)
		} else if !allowed {
			return nil, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchRobotsDisallowed}
		}
	}

	limiter := f.hostLimiter(u.Host)
	if err := limiter.Wait(ctx); err != nil {
		return nil, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchTimeout, Err: err}
	}

	return f.doWithRetry(ctx, rawURL, priorETag)
}

func (f *Fetcher) hostLimiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		// Bucket capacity 1, refill rate 1/delay_ms (§4.1.b).
		l = rate.NewLimiter(rate.Every(time.Duration(f.cfg.DelayMS)*time.Millisecond), 1)
		f.limiters[host] = l
	}
	return l
}

// doWithRetry performs the HTTP request, retrying 429/5xx with exponential
// backoff (base 500ms, factor 2, max 3 attempts, jitter ±25%) per §4.1.d.
func (f *Fetcher) doWithRetry(ctx context.Context, rawURL, priorETag string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < retryMaxTries; attempt++ {
		if attempt > 0 {
			delay := retryBase * time.Duration(1<<(attempt-1))
			jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(delay))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return nil, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchTimeout, Err: ctx.Err()}
			}
		}

		res, retryable, err := f.doOnce(ctx, rawURL, priorETag)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) doOnce(ctx context.Context, rawURL, priorETag string) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchNetwork, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if priorETag != "" {
		req.Header.Set("If-None-Match", priorETag)
		req.Header.Set("If-Modified-Since", priorETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchTimeout, Err: ctx.Err()}
		}
		return nil, true, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{URL: rawURL, Status: resp.StatusCode, Headers: resp.Header, NotModified: true}, false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, true, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchNetwork, Err: err}
	}
	if len(body) > maxBodyBytes {
		return nil, false, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchTooLarge}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchHTTPError, Code: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return nil, false, &ptolemies.FetchError{URL: rawURL, Reason: ptolemies.FetchHTTPError, Code: resp.StatusCode}
	}

	return &Result{URL: rawURL, Status: resp.StatusCode, Headers: resp.Header, Body: body}, false, nil
}

// sameRegistrableDomain reports whether a and b share an eTLD+1 (or an
// exact host for IPs and single-label hosts, which have no public
// suffix).
func sameRegistrableDomain(a, b *url.URL) bool {
	ha, hb := strings.ToLower(a.Hostname()), strings.ToLower(b.Hostname())
	da, errA := publicsuffix.EffectiveTLDPlusOne(ha)
	db, errB := publicsuffix.EffectiveTLDPlusOne(hb)
	if errA != nil || errB != nil {
		return ha == hb
	}
	return da == db
}

// checkRobots fetches and caches /robots.txt for u.Host with a 1h TTL
// (§4.1.a), returning whether u.Path is allowed.
func (f *Fetcher) checkRobots(ctx context.Context, u *url.URL) (bool, error) {
	f.mu.Lock()
	entry, ok := f.robots[u.Host]
	f.mu.Unlock()

	if !ok || time.Now().After(entry.expires) {
		fetched, err := f.fetchRobotsTxt(ctx, u)
		if err != nil {
			return true, err // fail open: cannot verify, don't block the crawl
		}
		entry = fetched
		f.mu.Lock()
		f.robots[u.Host] = entry
		f.mu.Unlock()
	}

	return !matchesDisallow(u.Path, entry.disallow), nil
}

func (f *Fetcher) fetchRobotsTxt(ctx context.Context, u *url.URL) (*robotsEntry, error) {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return &robotsEntry{expires: time.Now().Add(time.Hour)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &robotsEntry{expires: time.Now().Add(time.Hour)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &robotsEntry{expires: time.Now().Add(time.Hour)}, nil
	}

	return &robotsEntry{
		disallow: parseDisallow(string(body), f.cfg.UserAgent),
		expires:  time.Now().Add(time.Hour),
	}, nil
}

// parseDisallow extracts Disallow paths applicable to userAgent (or "*")
// from a robots.txt body. It groups records by User-agent block, keeping
// only the most specific block that matches, falling back to "*".
func parseDisallow(body, userAgent string) []string {
	var disallowStar, disallowSpecific []string
	var current *[]string
	matched := false

	productToken := strings.ToLower(strings.SplitN(userAgent, "/", 2)[0])

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch field {
		case "user-agent":
			ua := strings.ToLower(value)
			if ua == "*" {
				current = &disallowStar
				matched = false
			} else if strings.Contains(productToken, ua) || strings.Contains(ua, productToken) {
				current = &disallowSpecific
				matched = true
			} else {
				current = nil
			}
		case "disallow":
			if current != nil && value != "" {
				*current = append(*current, value)
			}
		}
	}

	if matched && len(disallowSpecific) > 0 {
		return disallowSpecific
	}
	return disallowStar
}

func matchesDisallow(path string, disallow []string) bool {
	for _, rule := range disallow {
		if rule == "/" {
			return true
		}
		if strings.HasPrefix(path, rule) {
			return true
		}
	}
	return false
}
