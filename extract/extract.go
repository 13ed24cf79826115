// Package extract implements the HTML-to-text extraction component (C2).
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// CurrentExtractionVersion is bumped whenever extraction logic changes,
// forcing re-extraction of previously-crawled documents (§4.2).
const CurrentExtractionVersion = 1

// Result is the output of a single extraction (§4.2).
type Result struct {
	Title            string
	Text             string
	Outlinks         []string
	CodeBlocks       []string
	ExtractionVersion int
}

var boilerplateTags = map[string]bool{
	"nav": true, "header": true, "footer": true, "script": true,
	"style": true, "noscript": true, "aside": true, "form": true,
	"iframe": true, "svg": true,
}

// Extract converts an HTML document into clean text, title, outlinks and
// code blocks. Non-HTML content types are rejected with an error; callers
// should log a warning and skip the document (§4.2: "non-HTML ignored
// with a warning").
func Extract(rawURL string, body []byte, contentType string) (*Result, error) {
	if !strings.Contains(strings.ToLower(contentType), "html") && !looksLikeHTML(body) {
		return nil, fmt.Errorf("extract: unsupported content type %q", contentType)
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("extract: parsing html: %w", err)
	}

	base, _ := url.Parse(rawURL)

	title := findTitle(doc)
	main := findMainContent(doc)
	var sb strings.Builder
	var codeBlocks []string
	walkContent(main, &sb, &codeBlocks)

	outlinks := dedupOutlinks(collectOutlinks(doc, base))

	return &Result{
		Title:             title,
		Text:              cleanText(sb.String()),
		Outlinks:          outlinks,
		CodeBlocks:        codeBlocks,
		ExtractionVersion: CurrentExtractionVersion,
	}, nil
}

func looksLikeHTML(body []byte) bool {
	s := strings.ToLower(string(body[:min(512, len(body))]))
	return strings.Contains(s, "<html") || strings.Contains(s, "<!doctype html")
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// findMainContent prefers a <main>, an element with role="main", or an
// <article>, falling back to the largest contiguous text-bearing <div>
// under <body>, and finally to <body> itself (§4.2: "heuristic that
// preserves the largest contiguous text block under the main/article/
// role=main element when present").
func findMainContent(n *html.Node) *html.Node {
	if m := findByTagOrRole(n, "main"); m != nil {
		return m
	}
	if a := findByTagOrRole(n, "article"); a != nil {
		return a
	}
	body := findByTag(n, "body")
	if body == nil {
		return n
	}
	if largest := findLargestTextDiv(body); largest != nil {
		return largest
	}
	return body
}

func findByTagOrRole(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode {
		if n.Data == tag {
			return n
		}
		if attr(n, "role") == "main" {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findByTagOrRole(c, tag); m != nil {
			return m
		}
	}
	return nil
}

func findByTag(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findByTag(c, tag); m != nil {
			return m
		}
	}
	return nil
}

func findLargestTextDiv(n *html.Node) *html.Node {
	var best *html.Node
	bestLen := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "div" || n.Data == "section") {
			l := textLen(n)
			if l > bestLen {
				bestLen = l
				best = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return best
}

func textLen(n *html.Node) int {
	total := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			total += len(strings.TrimSpace(n.Data))
		}
		if n.Type == html.ElementNode && boilerplateTags[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return total
}

// walkContent writes prose into sb and collects code-block content
// verbatim into codeBlocks, interleaving a fenced marker into the prose
// stream so downstream chunking can treat the region as atomic (§4.2,
// §4.3: "code-fenced regions are never split").
func walkContent(n *html.Node, sb *strings.Builder, codeBlocks *[]string) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode {
		if boilerplateTags[n.Data] {
			return
		}
		if n.Data == "pre" || n.Data == "code" {
			code := strings.TrimSpace(rawText(n))
			if code != "" {
				*codeBlocks = append(*codeBlocks, code)
				sb.WriteString("\n```\n")
				sb.WriteString(code)
				sb.WriteString("\n```\n")
			}
			return
		}
	}
	if n.Type == html.TextNode {
		t := strings.TrimSpace(n.Data)
		if t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkContent(c, sb, codeBlocks)
	}
	if n.Type == html.ElementNode && isBlock(n.Data) {
		sb.WriteString("\n")
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "section", "article", "li", "h1", "h2", "h3", "h4", "h5", "h6", "br", "tr":
		return true
	}
	return false
}

func rawText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collectOutlinks(n *html.Node, base *url.URL) []string {
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href := attr(n, "href"); href != "" {
				if abs := absolutize(base, href); abs != "" {
					links = append(links, abs)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return links
}

func absolutize(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	var resolved *url.URL
	if base != nil {
		resolved = base.ResolveReference(ref)
	} else {
		resolved = ref
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func dedupOutlinks(links []string) []string {
	seen := make(map[string]bool, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// cleanText collapses runs of whitespace left over from tag-boundary
// insertion without disturbing the fenced code regions' internal
// formatting.
func cleanText(s string) string {
	var out strings.Builder
	lines := strings.Split(s, "\n")
	inFence := false
	blank := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out.WriteString(line)
			out.WriteString("\n")
			blank = 0
			continue
		}
		if inFence {
			out.WriteString(line)
			out.WriteString("\n")
			continue
		}
		if trimmed == "" {
			blank++
			if blank > 1 {
				continue
			}
			out.WriteString("\n")
			continue
		}
		blank = 0
		out.WriteString(collapseSpaces(trimmed))
		out.WriteString("\n")
	}
	return strings.TrimSpace(out.String())
}

func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
