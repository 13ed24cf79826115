package crawl

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Canonicalize puts rawURL into the canonical form used for the visited
// set (§4.8: "lowercase host, strip fragment, collapse trailing slash,
// sort query keys").
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	if u.Path == "" {
		u.Path = "/"
	}

	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(strings.Join(q[k], ","))
		}
		u.RawQuery = sb.String()
	}
	return u.String(), nil
}

// RegistrableDomain returns the eTLD+1 of rawURL's host, used to filter
// outlinks to the seed's own domain (§4.8).
func RegistrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// IPs and single-label hosts (e.g. "localhost") have no public
		// suffix; treat the host itself as the registrable domain.
		return host, nil
	}
	return domain, nil
}

// Frontier is a depth-bounded BFS work queue over a crawl's outlinks,
// filtered to the seed's registrable domain unless an entry matches the
// allowlist (§4.8).
type Frontier struct {
	seedDomain string
	allowlist  map[string]bool
	maxDepth   int
	maxPages   int

	visited map[string]bool
	queue   []FrontierEntry
	seen    int // distinct URLs marked visited (checkpointed ones included), for max_pages accounting
}

// NewFrontier seeds a Frontier from seedURL and any already-visited URLs
// from a prior checkpoint.
func NewFrontier(seedURL string, maxDepth, maxPages int, allowlist []string, visited []string) (*Frontier, error) {
	domain, err := RegistrableDomain(seedURL)
	if err != nil {
		return nil, err
	}
	allow := make(map[string]bool, len(allowlist))
	for _, a := range allowlist {
		allow[strings.ToLower(a)] = true
	}
	f := &Frontier{
		seedDomain: domain,
		allowlist:  allow,
		maxDepth:   maxDepth,
		maxPages:   maxPages,
		visited:    make(map[string]bool, len(visited)),
	}
	for _, v := range visited {
		f.visited[v] = true
		f.seen++
	}

	canon, err := Canonicalize(seedURL)
	if err != nil {
		return nil, err
	}
	if !f.visited[canon] {
		f.queue = append(f.queue, FrontierEntry{Depth: 0, URL: canon})
	}
	return f, nil
}

// Next pops the next frontier entry, or ("", 0, false) when the frontier
// is empty or max_pages has been reached. max_pages=0 yields nothing (a
// no-op crawl, §8); a negative max_pages is unbounded.
func (f *Frontier) Next() (FrontierEntry, bool) {
	if f.maxPages >= 0 && f.seen >= f.maxPages {
		return FrontierEntry{}, false
	}
	if len(f.queue) == 0 {
		return FrontierEntry{}, false
	}
	e := f.queue[0]
	f.queue = f.queue[1:]
	return e, true
}

// MarkVisited records canonicalURL as visited, counting it against
// max_pages.
func (f *Frontier) MarkVisited(canonicalURL string) {
	if !f.visited[canonicalURL] {
		f.seen++
	}
	f.visited[canonicalURL] = true
}

// Offer enqueues outlink at depth+1 if it is within max_depth, within the
// seed's registrable domain (or allowlisted), not already visited, and
// not already queued.
func (f *Frontier) Offer(outlink string, depth int) error {
	if f.maxDepth > 0 && depth+1 > f.maxDepth {
		return nil
	}
	canon, err := Canonicalize(outlink)
	if err != nil {
		return err
	}
	if f.visited[canon] {
		return nil
	}
	domain, err := RegistrableDomain(canon)
	if err != nil {
		return err
	}
	if domain != f.seedDomain && !f.allowlist[domain] {
		return nil
	}
	for _, e := range f.queue {
		if e.URL == canon {
			return nil
		}
	}
	f.queue = append(f.queue, FrontierEntry{Depth: depth + 1, URL: canon})
	return nil
}

// Snapshot returns the frontier's current queue and visited set for
// checkpoint persistence.
func (f *Frontier) Snapshot() ([]FrontierEntry, []string) {
	visited := make([]string, 0, len(f.visited))
	for v := range f.visited {
		visited = append(visited, v)
	}
	sort.Strings(visited)
	return append([]FrontierEntry(nil), f.queue...), visited
}

// Empty reports whether the frontier has nothing left to visit.
func (f *Frontier) Empty() bool {
	return len(f.queue) == 0
}
