// Package pool holds the set of upstream proxy candidates a scrape run
// rotates through, together with their health counters and cooldown state.
// Selection is deterministic round robin in insertion order; proxies that
// accumulate too many consecutive failures are escalated to the ban ledger.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/banlist"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/masking"
)

// Record tracks one upstream proxy candidate.
type Record struct {
	Name     string
	HTTPURL  string
	HTTPSURL string

	ConsecutiveFailures int
	TotalRequests       uint64
	SuccessfulRequests  uint64
	LastSuccess         *time.Time
	LastFailure         *time.Time

	Available     bool
	CooldownUntil *time.Time
}

// ProxyMap returns the record as a scheme->URL mapping for HTTP clients.
func (r *Record) ProxyMap() map[string]string {
	m := make(map[string]string, 2)
	if r.HTTPURL != "" {
		m["http"] = r.HTTPURL
	}
	if r.HTTPSURL != "" {
		m["https"] = r.HTTPSURL
	}
	return m
}

// SuccessRate returns the fraction of successful requests, 0 when unused.
func (r *Record) SuccessRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.SuccessfulRequests) / float64(r.TotalRequests)
}

func (r *Record) inCooldown(now time.Time) bool {
	return r.CooldownUntil != nil && now.Before(*r.CooldownUntil)
}

func (r *Record) usable(now time.Time) bool {
	return r.Available && !r.inCooldown(now)
}

func (r *Record) markSuccess(now time.Time) {
	r.LastSuccess = &now
	r.SuccessfulRequests++
	r.TotalRequests++
	r.ConsecutiveFailures = 0
	r.Available = true
	r.CooldownUntil = nil
}

func (r *Record) markFailureWithCooldown(now time.Time, cooldown time.Duration) {
	r.LastFailure = &now
	r.ConsecutiveFailures++
	r.TotalRequests++
	until := now.Add(cooldown)
	r.CooldownUntil = &until
	r.Available = false
}

// Pool is a mutex-guarded set of proxy records with a round-robin cursor.
// No method performs network I/O while holding the lock.
type Pool struct {
	mu           sync.Mutex
	proxies      []*Record
	currentIndex int
	noProxyMode  bool

	cooldown    time.Duration
	maxFailures int
	ledger      *banlist.Ledger

	now func() time.Time
}

// New builds a pool. cooldownSeconds is the short per-incident cooldown
// applied when a proxy reaches ban severity; maxFailures is the consecutive
// failure streak that triggers a ban; banFile names the shared ban ledger.
func New(cooldownSeconds int64, maxFailures int, banFile string) *Pool {
	return &Pool{
		cooldown:    time.Duration(cooldownSeconds) * time.Second,
		maxFailures: maxFailures,
		ledger:      banlist.ForFile(banFile),
		now:         time.Now,
	}
}

// AddProxy appends a proxy candidate. Entries without any URL are rejected;
// entries with an active ban are skipped (logged, not an error). An empty
// name is auto-assigned as Proxy-N.
func (p *Pool) AddProxy(httpURL, httpsURL, name string) {
	log := logger.WithComponent("pool")

	if httpURL == "" && httpsURL == "" {
		log.Warn().Msg("Attempted to add proxy with no URLs, skipping")
		return
	}

	if name == "" {
		p.mu.Lock()
		name = fmt.Sprintf("Proxy-%d", len(p.proxies)+1)
		p.mu.Unlock()
	}

	if p.ledger.IsBanned(name) {
		log.Warn().Str("proxy", name).Msg("Proxy is currently banned, skipping")
		return
	}

	record := &Record{
		Name:      name,
		HTTPURL:   httpURL,
		HTTPSURL:  httpsURL,
		Available: true,
	}

	p.mu.Lock()
	p.proxies = append(p.proxies, record)
	p.mu.Unlock()

	log.Info().Str("proxy", name).
		Str("http", masking.ProxyURLLoose(httpURL)).
		Str("https", masking.ProxyURLLoose(httpsURL)).
		Msg("Added proxy to pool")
}

// ProxyEntry is one configured upstream proxy candidate.
type ProxyEntry struct {
	Name     string
	HTTPURL  string
	HTTPSURL string
}

// AddProxies appends a batch of configured candidates, with the same
// per-entry rules as AddProxy.
func (p *Pool) AddProxies(entries []ProxyEntry) {
	for _, e := range entries {
		p.AddProxy(e.HTTPURL, e.HTTPSURL, e.Name)
	}
}

// EnableNoProxyMode makes all selection operations return no proxy until
// disabled again.
func (p *Pool) EnableNoProxyMode() {
	p.mu.Lock()
	p.noProxyMode = true
	p.mu.Unlock()
	l := logger.WithComponent("pool")
	l.Info().Msg("No-proxy mode enabled (direct connection)")
}

// DisableNoProxyMode re-enables proxy selection.
func (p *Pool) DisableNoProxyMode() {
	p.mu.Lock()
	p.noProxyMode = false
	p.mu.Unlock()
	l := logger.WithComponent("pool")
	l.Info().Msg("No-proxy mode disabled")
}

// CurrentProxy returns the proxy at the cursor if usable, otherwise scans
// forward at most one full lap for a usable one, advancing the cursor as it
// goes. Returns nil when the pool is empty, exhausted, or in no-proxy mode.
func (p *Pool) CurrentProxy() map[string]string {
	log := logger.WithComponent("pool")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.noProxyMode {
		return nil
	}
	if len(p.proxies) == 0 {
		log.Warn().Msg("No proxies configured in pool")
		return nil
	}

	p.refreshCooldownsLocked()

	now := p.now()
	for range p.proxies {
		proxy := p.proxies[p.currentIndex]
		if proxy.usable(now) {
			return proxy.ProxyMap()
		}
		p.currentIndex = (p.currentIndex + 1) % len(p.proxies)
	}

	log.Warn().Msg("All proxies are unavailable or in cooldown")
	return nil
}

// NextProxy rotates to the next usable proxy, always advancing the cursor at
// least one position before returning.
func (p *Pool) NextProxy() map[string]string {
	log := logger.WithComponent("pool")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.noProxyMode {
		return nil
	}
	if len(p.proxies) == 0 {
		log.Warn().Msg("No proxies configured in pool")
		return nil
	}

	p.refreshCooldownsLocked()

	now := p.now()
	available := 0
	for _, proxy := range p.proxies {
		if proxy.usable(now) {
			available++
		}
	}
	if available == 0 {
		log.Warn().Msg("All proxies are unavailable or in cooldown")
		return nil
	}

	for range p.proxies {
		p.currentIndex = (p.currentIndex + 1) % len(p.proxies)
		proxy := p.proxies[p.currentIndex]
		if proxy.usable(now) {
			log.Debug().Str("proxy", proxy.Name).Msg("Round-robin selected proxy")
			return proxy.ProxyMap()
		}
	}

	log.Warn().Msg("Unexpected: no available proxy found after rotation")
	return nil
}

// CurrentProxyName names the record at the cursor for log context.
func (p *Pool) CurrentProxyName() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.noProxyMode {
		return "No-Proxy (Direct)"
	}
	if len(p.proxies) == 0 {
		return "None"
	}
	return p.proxies[p.currentIndex].Name
}

// MarkSuccess records a successful request against the proxy at the cursor,
// resetting its failure streak and clearing any cooldown.
func (p *Pool) MarkSuccess() {
	log := logger.WithComponent("pool")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.noProxyMode || len(p.proxies) == 0 {
		return
	}
	proxy := p.proxies[p.currentIndex]
	proxy.markSuccess(p.now())
	log.Debug().Str("proxy", proxy.Name).
		Str("success_rate", fmt.Sprintf("%.1f%%", proxy.SuccessRate()*100)).
		Msg("Proxy marked as successful")
}

// MarkFailureAndSwitch records a failure against the proxy at the cursor.
// When the failure streak reaches the configured maximum the proxy is banned
// via the ledger and put into its own cooldown window; there is no
// intermediate short-cooldown state for the triggering failure. The cursor
// then advances to the next usable proxy. Returns false only when the whole
// pool is currently unusable (cursor is restored in that case).
func (p *Pool) MarkFailureAndSwitch() bool {
	log := logger.WithComponent("pool")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.noProxyMode || len(p.proxies) == 0 {
		return false
	}

	now := p.now()
	proxy := p.proxies[p.currentIndex]

	if proxy.ConsecutiveFailures+1 >= p.maxFailures {
		proxyURL := proxy.HTTPURL
		if proxyURL == "" {
			proxyURL = proxy.HTTPSURL
		}
		p.ledger.AddBan(proxy.Name, proxyURL)
		proxy.markFailureWithCooldown(now, p.cooldown)
		log.Warn().Str("proxy", proxy.Name).
			Int("failures", proxy.ConsecutiveFailures).
			Dur("cooldown", p.cooldown).
			Msg("Proxy reached failure limit, banned and placed in cooldown")
	} else {
		proxy.ConsecutiveFailures++
		proxy.TotalRequests++
		proxy.LastFailure = &now
		log.Warn().Str("proxy", proxy.Name).
			Int("failures", proxy.ConsecutiveFailures).
			Int("max_failures", p.maxFailures).
			Msg("Proxy request failed")
	}

	originalIndex := p.currentIndex
	for range p.proxies {
		p.currentIndex = (p.currentIndex + 1) % len(p.proxies)
		if p.proxies[p.currentIndex].usable(now) {
			log.Info().Str("from", proxy.Name).
				Str("to", p.proxies[p.currentIndex].Name).
				Msg("Switched proxy")
			return true
		}
	}

	p.currentIndex = originalIndex
	log.Error().Msg("Failed to switch proxy: all proxies are unavailable")
	return false
}

// Count returns the number of proxies in the pool, usable or not.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// BanSummary reports the shared ledger state.
func (p *Pool) BanSummary(includeURL bool) string {
	return p.ledger.Summary(includeURL)
}

// refreshCooldownsLocked flips proxies whose cooldown window has elapsed back
// to available. Callers must hold p.mu.
func (p *Pool) refreshCooldownsLocked() {
	log := logger.WithComponent("pool")

	now := p.now()
	for _, proxy := range p.proxies {
		if proxy.inCooldown(now) {
			continue
		}
		if !proxy.Available {
			proxy.Available = true
			log.Info().Str("proxy", proxy.Name).
				Msg("Proxy cooldown period ended, marked as available")
		}
	}
}
