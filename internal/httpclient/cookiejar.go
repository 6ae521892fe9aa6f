package httpclient

import (
	"net/http"
	"strings"
	"sync"
)

// MemoryJar is a minimal same-host cookie store (spec.md §4.2 item 5:
// "maintain a cookie jar scoped per destination host"). It does not
// implement full RFC 6265 domain/path matching -- path matching is a
// simple prefix check, sufficient for the relay/playback destinations
// this client talks to.
type MemoryJar struct {
	mu    sync.Mutex
	byKey map[string][]*http.Cookie // keyed by host
}

// NewMemoryJar constructs an empty jar.
func NewMemoryJar() *MemoryJar {
	return &MemoryJar{byKey: map[string][]*http.Cookie{}}
}

// SetCookies parses and stores raw Set-Cookie header values for host.
func (j *MemoryJar) SetCookies(host string, setCookieValues []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, raw := range setCookieValues {
		hdr := http.Header{}
		hdr.Add("Set-Cookie", raw)
		resp := http.Response{Header: hdr}
		for _, c := range resp.Cookies() {
			j.store(host, c)
		}
	}
}

func (j *MemoryJar) store(host string, c *http.Cookie) {
	existing := j.byKey[host]
	for i, e := range existing {
		if e.Name == c.Name && e.Path == c.Path {
			existing[i] = c
			return
		}
	}
	j.byKey[host] = append(existing, c)
}

// CookiesFor returns the "name=value" pairs applicable to host+path.
func (j *MemoryJar) CookiesFor(host, path string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, c := range j.byKey[host] {
		if c.Path != "" && c.Path != "/" && !strings.HasPrefix(path, c.Path) {
			continue
		}
		out = append(out, c.Name+"="+c.Value)
	}
	return out
}
