// Package proxy holds the ordered pool of gateway endpoints and its
// round-robin selection.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrConfig reports an unusable proxy list or credential string.
	ErrConfig = errors.New("proxy config")
	// ErrPoolExhausted reports that no gateway is left to dispatch through.
	ErrPoolExhausted = errors.New("proxy pool exhausted")
)

// Endpoint is a normalized gateway base URL such as "http://10.0.0.1:80/".
type Endpoint string

// String returns the base URL.
func (e Endpoint) String() string {
	return string(e)
}

// Pool is an ordered, shrinkable set of gateway endpoints.
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	cursor    int
}

// NewPool builds a pool from already normalized endpoints.
func NewPool(endpoints ...Endpoint) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints", ErrConfig)
	}
	return &Pool{
		endpoints: append([]Endpoint(nil), endpoints...),
		cursor:    -1,
	}, nil
}

// LoadFile reads a newline-delimited proxy list from path.
func LoadFile(path string, defaultPort int) (*Pool, error) {
	// #nosec G304 -- the proxy list path is operator supplied.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open proxy list: %v", ErrConfig, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f, defaultPort)
}

// Load parses host[:port] entries, one per line. Blank lines, comments and
// entries without a host are skipped.
func Load(r io.Reader, defaultPort int) (*Pool, error) {
	var endpoints []Endpoint
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep, err := Normalize(line, defaultPort)
		if err != nil {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read proxy list: %v", ErrConfig, err)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: proxy list empty", ErrConfig)
	}
	return NewPool(endpoints...)
}

// Normalize turns a raw list entry into a base URL with scheme, port and a
// trailing slash. defaultPort is applied only when the entry has no port.
func Normalize(raw string, defaultPort int) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty entry", ErrConfig)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", ErrConfig, raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrConfig, raw)
	}
	if u.Port() == "" && defaultPort > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(defaultPort))
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return Endpoint(u.String()), nil
}

// Next advances the round-robin cursor and returns the selected endpoint with
// its current index.
func (p *Pool) Next() (Endpoint, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return "", -1, ErrPoolExhausted
	}
	if p.cursor < -1 || p.cursor >= len(p.endpoints) {
		p.cursor = -1
	}
	p.cursor = (p.cursor + 1) % len(p.endpoints)
	return p.endpoints[p.cursor], p.cursor, nil
}

// Remove drops the endpoints at the given indices in one batch. The pool is
// left untouched if the removal would empty it.
func (p *Pool) Remove(indices map[int]struct{}) error {
	if len(indices) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	doomed := make([]int, 0, len(indices))
	for idx := range indices {
		if idx >= 0 && idx < len(p.endpoints) {
			doomed = append(doomed, idx)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	if len(doomed) >= len(p.endpoints) {
		return fmt.Errorf("%w: all %d endpoints removed", ErrPoolExhausted, len(p.endpoints))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(doomed)))
	for _, idx := range doomed {
		p.endpoints = append(p.endpoints[:idx], p.endpoints[idx+1:]...)
	}
	p.cursor = -1
	return nil
}

// Size returns the number of endpoints currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Endpoint returns the endpoint at idx.
func (p *Pool) Endpoint(idx int) (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.endpoints) {
		return "", false
	}
	return p.endpoints[idx], true
}

// Endpoints returns a snapshot of the pool in order.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Endpoint(nil), p.endpoints...)
}
