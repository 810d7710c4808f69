// Package clientpool shares outbound HTTP clients across requests, one per
// distinct outbound-proxy URL. Buffered calls get a total request timeout;
// streaming calls only get the transport-level timeouts so long responses
// are not cut off mid-body.
package clientpool

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const directKey = ""

// Settings carry the timeouts applied to every client in the pool.
type Settings struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 60 * time.Second
	}
	return s
}

type entry struct {
	buffered  *http.Client
	streaming *http.Client
}

// Pool hands out shared clients keyed by outbound-proxy URL.
type Pool struct {
	mu       sync.RWMutex
	clients  map[string]*entry
	settings Settings
}

// NewPool builds an empty pool.
func NewPool(settings Settings) *Pool {
	return &Pool{
		clients:  make(map[string]*entry),
		settings: settings.withDefaults(),
	}
}

// Client returns the buffered client for proxyURL, creating it on first use.
// An empty proxyURL means a direct connection.
func (p *Pool) Client(proxyURL string) *http.Client {
	return p.entryFor(proxyURL).buffered
}

// StreamingClient returns the client used for streaming responses. It shares
// the transport with the buffered client but carries no total timeout.
func (p *Pool) StreamingClient(proxyURL string) *http.Client {
	return p.entryFor(proxyURL).streaming
}

func (p *Pool) entryFor(proxyURL string) *entry {
	key := normalizeProxy(proxyURL)

	p.mu.RLock()
	e, ok := p.clients[key]
	p.mu.RUnlock()
	if ok {
		return e
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.clients[key]; ok {
		return e
	}
	e = p.build(key)
	p.clients[key] = e
	return e
}

func (p *Pool) build(proxyURL string) *entry {
	tr := &http.Transport{
		Proxy: proxyFunc(proxyURL),
		DialContext: (&net.Dialer{
			Timeout:   p.settings.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: p.settings.ConnectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &entry{
		buffered:  &http.Client{Transport: tr, Timeout: p.settings.RequestTimeout},
		streaming: &http.Client{Transport: tr, Timeout: 0},
	}
}

// normalizeProxy validates the proxy URL and collapses anything unusable to
// a direct connection. Unknown schemes are logged once per pool lifetime at
// creation, then served direct.
func normalizeProxy(proxyURL string) string {
	if proxyURL == "" {
		return directKey
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		log.WithFields(log.Fields{"proxy_url": proxyURL, "error": err.Error()}).
			Warn("invalid outbound proxy url, connecting direct")
		return directKey
	}
	switch u.Scheme {
	case "http", "https", "socks5":
		return u.String()
	default:
		log.WithFields(log.Fields{"proxy_url": proxyURL, "scheme": u.Scheme}).
			Warn("unsupported outbound proxy scheme, connecting direct")
		return directKey
	}
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL == directKey {
		return http.ProxyFromEnvironment
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(u)
}

// Rebuild swaps the pool's settings and drops existing entries. Old clients
// keep serving in-flight requests; their transports go idle and collect.
func (p *Pool) Rebuild(settings Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = settings.withDefaults()
	p.clients = make(map[string]*entry)
}

// CloseIdle closes idle connections on every pooled transport.
func (p *Pool) CloseIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.clients {
		if tr, ok := e.buffered.Transport.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	}
}

// Size reports the number of distinct clients currently pooled.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
