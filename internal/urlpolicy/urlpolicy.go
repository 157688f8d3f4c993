// Package urlpolicy canonicalizes image URLs and matches hosts against
// configured domain patterns.
package urlpolicy

import (
	"fmt"
	"net/url"
	"strings"
)

// Canonical rewrites rawURL so that trivially different spellings of one
// photo URL compare equal: scheme and host are lowercased, default ports and
// the fragment are dropped, and query parameters are sorted.
func Canonical(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// Matcher holds exact hosts and suffix patterns. "*.example.com" and
// ".example.com" match example.com and every subdomain.
type Matcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewMatcher compiles patterns. It returns nil when no pattern is usable; a
// nil Matcher matches nothing.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *Matcher) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Match reports whether host matches any pattern.
func (m *Matcher) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Policy decides whether a discovered URL may be downloaded. An empty allow
// list admits every host that is not blocked.
type Policy struct {
	allow *Matcher
	block *Matcher
}

// New builds a Policy from allow and block patterns.
func New(allow, block []string) Policy {
	return Policy{allow: NewMatcher(allow), block: NewMatcher(block)}
}

// Admit canonicalizes rawURL and reports whether its host passes the policy.
func (p Policy) Admit(rawURL string) (string, bool) {
	canonical, err := Canonical(rawURL)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	if p.block.Match(host) {
		return "", false
	}
	if p.allow != nil && !p.allow.Match(host) {
		return "", false
	}
	return canonical, true
}
