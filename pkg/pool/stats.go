package pool

import (
	"fmt"
	"time"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
)

// ProxyStats is a point-in-time view of one proxy record.
type ProxyStats struct {
	Name                string
	IsCurrent           bool
	Available           bool
	InCooldown          bool
	TotalRequests       uint64
	SuccessfulRequests  uint64
	SuccessRate         string
	ConsecutiveFailures int
	LastSuccess         string
	LastFailure         string
}

// Stats is a point-in-time snapshot of the whole pool.
type Stats struct {
	TotalProxies     int
	AvailableProxies int
	InCooldown       int
	NoProxyMode      bool
	Proxies          []ProxyStats
}

// Statistics sweeps elapsed cooldowns and returns a snapshot of the pool.
func (p *Pool) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshCooldownsLocked()
	now := p.now()

	stats := Stats{
		TotalProxies: len(p.proxies),
		NoProxyMode:  p.noProxyMode,
		Proxies:      make([]ProxyStats, 0, len(p.proxies)),
	}

	for i, proxy := range p.proxies {
		if proxy.usable(now) {
			stats.AvailableProxies++
		}
		if proxy.inCooldown(now) {
			stats.InCooldown++
		}
		stats.Proxies = append(stats.Proxies, ProxyStats{
			Name:                proxy.Name,
			IsCurrent:           i == p.currentIndex,
			Available:           proxy.Available,
			InCooldown:          proxy.inCooldown(now),
			TotalRequests:       proxy.TotalRequests,
			SuccessfulRequests:  proxy.SuccessfulRequests,
			SuccessRate:         fmt.Sprintf("%.1f%%", proxy.SuccessRate()*100),
			ConsecutiveFailures: proxy.ConsecutiveFailures,
			LastSuccess:         formatSeen(proxy.LastSuccess),
			LastFailure:         formatSeen(proxy.LastFailure),
		})
	}

	return stats
}

// LogStatistics writes the current snapshot to the log.
func (p *Pool) LogStatistics() {
	log := logger.WithComponent("pool")
	stats := p.Statistics()

	log.Info().
		Int("total", stats.TotalProxies).
		Int("available", stats.AvailableProxies).
		Int("in_cooldown", stats.InCooldown).
		Bool("no_proxy_mode", stats.NoProxyMode).
		Msg("Proxy pool statistics")

	for _, ps := range stats.Proxies {
		status := "AVAILABLE"
		if ps.InCooldown {
			status = "COOLDOWN"
		} else if !ps.Available {
			status = "UNAVAILABLE"
		}
		log.Info().
			Str("proxy", ps.Name).
			Str("status", status).
			Bool("current", ps.IsCurrent).
			Uint64("requests", ps.TotalRequests).
			Uint64("successful", ps.SuccessfulRequests).
			Str("success_rate", ps.SuccessRate).
			Int("failures", ps.ConsecutiveFailures).
			Str("last_ok", ps.LastSuccess).
			Str("last_fail", ps.LastFailure).
			Msg("Proxy status")
	}
}

func formatSeen(t *time.Time) string {
	if t == nil {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}
