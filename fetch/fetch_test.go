package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ptolemies/ptolemies"
)

func testFetcher(respectRobots bool) *Fetcher {
	return New(Config{
		Timeout:       5 * time.Second,
		UserAgent:     "PtolemiesBot/1.0",
		RespectRobots: respectRobots,
		DelayMS:       1,
	}, nil)
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := testFetcher(true)
	res, err := f.Fetch(context.Background(), srv.URL+"/page", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if string(res.Body) != "<html><body>hello</body></html>" {
		t.Fatalf("unexpected body %q", res.Body)
	}
}

func TestFetchRobotsDisallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		t.Errorf("unexpected request to %s: robots should have blocked it", r.URL.Path)
	}))
	defer srv.Close()

	f := testFetcher(true)
	_, err := f.Fetch(context.Background(), srv.URL+"/docs", "")
	var fe *ptolemies.FetchError
	if !errors.As(err, &fe) || fe.Reason != ptolemies.FetchRobotsDisallowed {
		t.Fatalf("expected RobotsDisallowed, got %v", err)
	}
	if fe.Kind() != ptolemies.KindPermanentExternal {
		t.Fatalf("RobotsDisallowed should classify as permanent_external, got %s", fe.Kind())
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("<html>recovered</html>"))
	}))
	defer srv.Close()

	f := testFetcher(false)
	res, err := f.Fetch(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("Fetch after retries: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d requests, want 3", got)
	}
}

func TestFetch404IsPermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := testFetcher(false)
	_, err := f.Fetch(context.Background(), srv.URL, "")
	var fe *ptolemies.FetchError
	if !errors.As(err, &fe) || fe.Reason != ptolemies.FetchHTTPError || fe.Code != 404 {
		t.Fatalf("expected HttpError(404), got %v", err)
	}
	if fe.Kind() != ptolemies.KindPermanentExternal {
		t.Fatalf("404 should classify as permanent_external, got %s", fe.Kind())
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("404 was retried: %d requests", got)
	}
}

func TestFetchNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("<html>fresh</html>"))
	}))
	defer srv.Close()

	f := testFetcher(false)
	res, err := f.Fetch(context.Background(), srv.URL, "abc123")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.NotModified {
		t.Fatal("expected NotModified result for 304")
	}
	if len(res.Body) != 0 {
		t.Fatalf("304 should carry no body, got %d bytes", len(res.Body))
	}
}

func TestParseDisallow(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "star block",
			body: "User-agent: *\nDisallow: /private\nDisallow: /tmp\n",
			want: []string{"/private", "/tmp"},
		},
		{
			name: "specific block wins",
			body: "User-agent: *\nDisallow: /a\n\nUser-agent: ptolemiesbot\nDisallow: /b\n",
			want: []string{"/b"},
		},
		{
			name: "unrelated block ignored",
			body: "User-agent: googlebot\nDisallow: /\n",
			want: nil,
		},
		{
			name: "comments and blanks",
			body: "# hi\n\nUser-agent: *\nDisallow: /x\n",
			want: []string{"/x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDisallow(tt.body, "PtolemiesBot/1.0")
			if len(got) != len(tt.want) {
				t.Fatalf("parseDisallow = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("parseDisallow = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMatchesDisallow(t *testing.T) {
	if !matchesDisallow("/anything", []string{"/"}) {
		t.Fatal("Disallow: / should block every path")
	}
	if !matchesDisallow("/docs/intro", []string{"/docs"}) {
		t.Fatal("prefix rule should match")
	}
	if matchesDisallow("/blog", []string{"/docs"}) {
		t.Fatal("non-matching prefix should not block")
	}
}
