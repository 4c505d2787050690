package objectstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// endpoint is one gateway/node URL in the pool, with its health state.
type endpoint struct {
	url     string
	healthy atomic.Bool
}

// endpointPool round-robins across healthy endpoints, marking an endpoint
// unhealthy on call failure and re-admitting it via a background health
// probe every probeInterval.
type endpointPool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	next      int
	probeFn   func(url string) bool
	closing   chan struct{}
	closeOnce sync.Once
	log       *logrus.Logger
}

func newEndpointPool(urls []string, probeInterval time.Duration, probeFn func(url string) bool, log *logrus.Logger) *endpointPool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	eps := make([]*endpoint, len(urls))
	for i, u := range urls {
		ep := &endpoint{url: u}
		ep.healthy.Store(true)
		eps[i] = ep
	}
	if probeInterval <= 0 {
		probeInterval = defaultHealthProbeInterval
	}
	p := &endpointPool{endpoints: eps, probeFn: probeFn, closing: make(chan struct{}), log: log}
	if probeFn != nil {
		go p.healthLoop(probeInterval)
	}
	return p
}

// pick round-robins to the next endpoint believed healthy, skipping over
// the set already tried this call (excluded).
func (p *endpointPool) pick(excluded map[string]bool) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.endpoints)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		ep := p.endpoints[idx]
		if ep.healthy.Load() && !excluded[ep.url] {
			p.next = (idx + 1) % n
			return ep.url, true
		}
	}
	return "", false
}

func (p *endpointPool) markUnhealthy(url string) {
	for _, ep := range p.endpoints {
		if ep.url == url {
			if ep.healthy.CompareAndSwap(true, false) {
				p.log.WithField("endpoint", url).Warn("objectstore: endpoint marked unhealthy")
			}
			return
		}
	}
}

func (p *endpointPool) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, ep := range p.endpoints {
				if ep.healthy.Load() {
					continue
				}
				if p.probeFn(ep.url) {
					ep.healthy.Store(true)
					p.log.WithField("endpoint", ep.url).Info("objectstore: endpoint re-admitted")
				}
			}
		case <-p.closing:
			return
		}
	}
}

func (p *endpointPool) Close() {
	p.closeOnce.Do(func() { close(p.closing) })
}
