// Package fetcher retrieves pages from a bot-protected site. It layers two
// strategies: plain direct fetches with realistic browser headers, and an
// external bypass helper service consulted when the site serves verification
// challenges. Proxy selection and failure escalation are delegated to the
// pool package.
package fetcher

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/masking"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/pool"
)

// Config is the immutable retrieval policy for one Handler.
type Config struct {
	// BaseURL is the site root, used to absolutize relative links.
	BaseURL string

	// BypassPort is the TCP port the bypass helper listens on, either on
	// localhost or next to the active proxy.
	BypassPort int
	// BypassEnabled gates the helper path globally; callers still opt in
	// per request.
	BypassEnabled bool
	// BypassMaxFailures is the consecutive bypass failure count after which
	// callers are expected to back off.
	BypassMaxFailures int

	// TurnstileCooldown is slept after a challenge page in direct mode.
	TurnstileCooldown time.Duration
	// FallbackCooldown is slept between bypass fallback steps.
	FallbackCooldown time.Duration

	// SessionCookie, when set, is sent as the _jdb_session cookie on direct
	// fetches that request it.
	SessionCookie string

	// ProxyHTTP and ProxyHTTPS configure a single static proxy used when no
	// pool is attached.
	ProxyHTTP  string
	ProxyHTTPS string

	// ProxyModules is the allow-list of module names permitted to use a
	// proxy; the special entry "all" allows every module.
	ProxyModules []string
	// ProxyMode selects between "single" and "pool" proxy selection.
	ProxyMode string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://javdb.com",
		BypassPort:        8000,
		BypassEnabled:     true,
		BypassMaxFailures: 3,
		TurnstileCooldown: 10 * time.Second,
		FallbackCooldown:  30 * time.Second,
		ProxyModules:      []string{"all"},
		ProxyMode:         "single",
	}
}

// PageRequest describes one page retrieval.
type PageRequest struct {
	URL        string
	UseCookie  bool
	UseProxy   bool
	Module     string
	MaxRetries int
	UseBypass  bool
}

// Handler orchestrates page retrieval. Safe for concurrent use; the pool and
// the ban ledger carry their own locks, the handler only guards its bypass
// failure counter and client cache.
type Handler struct {
	cfg  Config
	pool *pool.Pool

	mu             sync.Mutex
	bypassFailures int

	clientMu sync.Mutex
	clients  map[string]*http.Client

	sleep func(time.Duration)
	log   zerolog.Logger
}

// New builds a Handler. The pool may be nil; the handler then falls back to
// the static single-proxy configuration or direct connections.
func New(p *pool.Pool, cfg Config) *Handler {
	log := logger.WithComponent("fetcher")
	log.Info().Str("base_url", cfg.BaseURL).Msg("Request handler initialized")
	return &Handler{
		cfg:     cfg,
		pool:    p,
		clients: make(map[string]*http.Client),
		sleep:   time.Sleep,
		log:     log,
	}
}

// ShouldUseProxyForModule reports whether module is on the proxy allow-list
// and the caller requested proxy use. An empty allow-list disables proxies
// for everything.
func (h *Handler) ShouldUseProxyForModule(module string, useProxy bool) bool {
	if !useProxy || len(h.cfg.ProxyModules) == 0 {
		return false
	}
	for _, m := range h.cfg.ProxyModules {
		if m == "all" || m == module {
			return true
		}
	}
	return false
}

// BypassFailureCount returns the number of consecutive bypass-path failures.
func (h *Handler) BypassFailureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bypassFailures
}

// ResetBypassState clears the consecutive bypass failure counter.
func (h *Handler) ResetBypassState() {
	h.mu.Lock()
	h.bypassFailures = 0
	h.mu.Unlock()
}

func (h *Handler) addBypassFailure() {
	h.mu.Lock()
	h.bypassFailures++
	h.mu.Unlock()
}

// GetPage retrieves one page. It never returns an error: every transport
// problem, challenge page or exhausted retry budget collapses into ok=false,
// and recovery decisions stay internal.
func (h *Handler) GetPage(req PageRequest) (content string, ok bool) {
	if req.Module == "" {
		req.Module = "unknown"
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = 3
	}

	proxies, poolMode := h.proxiesForRequest(req.Module, req.UseProxy)
	proxyName := "None"
	if poolMode {
		proxyName = h.pool.CurrentProxyName()
	}

	if req.UseBypass && h.cfg.BypassEnabled {
		return h.getPageWithBypass(req.URL, req.UseCookie, req.UseProxy, req.Module, proxies, poolMode, proxyName)
	}
	return h.getPageDirect(req.URL, req.UseCookie, req.Module, req.MaxRetries, proxies, poolMode, proxyName)
}

// proxiesForRequest resolves the proxy map for a request and reports whether
// pool bookkeeping (success/failure marking) applies to it.
func (h *Handler) proxiesForRequest(module string, useProxy bool) (map[string]string, bool) {
	if !h.ShouldUseProxyForModule(module, useProxy) {
		return nil, false
	}

	if (h.cfg.ProxyMode == "pool" || h.cfg.ProxyMode == "single") && h.pool != nil {
		if proxies := h.pool.NextProxy(); proxies != nil {
			return proxies, true
		}
		h.log.Warn().Str("module", module).Str("mode", h.cfg.ProxyMode).
			Msg("Proxy mode enabled but no proxy available")
		return nil, false
	}

	if h.cfg.ProxyHTTP != "" || h.cfg.ProxyHTTPS != "" {
		proxies := make(map[string]string, 2)
		if h.cfg.ProxyHTTP != "" {
			proxies["http"] = h.cfg.ProxyHTTP
		}
		if h.cfg.ProxyHTTPS != "" {
			proxies["https"] = h.cfg.ProxyHTTPS
		}
		return proxies, false
	}

	return nil, false
}

// fetchOutcome is the result of one fetch attempt, before the size check.
type fetchOutcome struct {
	content   string
	success   bool
	challenge bool
}

// fetchDirect performs one plain GET with browser headers.
func (h *Handler) fetchDirect(targetURL string, proxies map[string]string, contextMsg string, useCookie bool) fetchOutcome {
	headers := browserHeaders()
	if useCookie && h.cfg.SessionCookie != "" {
		headers["Cookie"] = "_jdb_session=" + h.cfg.SessionCookie
	}

	content, err := h.doRequest(targetURL, headers, proxies, directTimeout, "Direct "+contextMsg)
	if err != nil {
		return fetchOutcome{}
	}
	if isChallenge(content) {
		h.log.Warn().Str("context", contextMsg).Int("bytes", len(content)).
			Msg("Direct fetch returned verification challenge page")
		return fetchOutcome{content: content, challenge: true}
	}
	return fetchOutcome{content: content, success: true}
}

// bypassBase builds the helper service base URL, next to the active proxy or
// on localhost when forced local.
func (h *Handler) bypassBase(proxies map[string]string, forceLocal bool) string {
	host := "127.0.0.1"
	if !forceLocal {
		if ph := proxyHost(proxies); ph != "" {
			host = ph
		}
	}
	return fmt.Sprintf("http://%s:%d", host, h.cfg.BypassPort)
}

// fetchWithBypass asks the helper service to retrieve targetURL and
// classifies the body. An age-verification modal without real content
// triggers one hop through the over18 confirmation link, then one retry.
func (h *Handler) fetchWithBypass(targetURL string, proxies map[string]string, contextMsg string, forceLocal bool) fetchOutcome {
	if !forceLocal && proxies == nil {
		h.log.Error().Str("context", contextMsg).Msg("Bypass requested but no proxy available")
		return fetchOutcome{}
	}

	base := h.bypassBase(proxies, forceLocal)
	bypassURL := base + "/html?url=" + url.QueryEscape(targetURL)

	h.log.Debug().Str("context", contextMsg).
		Str("url", targetURL).
		Str("helper", masking.ProxyURLLoose(base)).
		Msg("Fetching via bypass helper")

	content, err := h.doRequest(bypassURL, nil, nil, bypassTimeout, "Bypass "+contextMsg)
	if err != nil {
		return fetchOutcome{}
	}

	if isBypassFailure(content) {
		h.log.Warn().Str("context", contextMsg).Int("bytes", len(content)).
			Msg("Bypass helper returned failure response")
		return fetchOutcome{content: content}
	}

	switch classify(content) {
	case classChallenge:
		h.log.Warn().Str("context", contextMsg).Int("bytes", len(content)).
			Msg("Bypass helper returned challenge page")
		return fetchOutcome{content: content, challenge: true}

	case classValid, classValidEmpty, classUnknown:
		h.log.Debug().Str("context", contextMsg).Int("bytes", len(content)).
			Msg("Bypass helper returned content")
		return fetchOutcome{content: content, success: true}

	case classAgeModal:
		h.log.Debug().Str("context", contextMsg).
			Msg("Age verification modal without content, attempting over18 confirmation")

		if href, ok := extractOver18Link(content); ok {
			over18URL := href
			if !strings.HasPrefix(href, "http") {
				over18URL = h.cfg.BaseURL + href
			}
			confirmURL := base + "/html?url=" + url.QueryEscape(over18URL)
			if _, err := h.doRequest(confirmURL, nil, nil, bypassTimeout, "Bypass Over18 "+contextMsg); err == nil {
				retry, err := h.doRequest(bypassURL, nil, nil, bypassTimeout, "Bypass Retry "+contextMsg)
				if err == nil {
					if c := classify(retry); c == classValid || c == classValidEmpty {
						h.log.Debug().Str("context", contextMsg).Msg("Over18 confirmation succeeded")
						return fetchOutcome{content: retry, success: true}
					}
				}
			}
		}

		h.log.Warn().Str("context", contextMsg).Msg("Age verification confirmation failed")
		return fetchOutcome{content: content}
	}

	return fetchOutcome{content: content, success: true}
}

// extractOver18Link finds the age-confirmation link in the modal markup.
func extractOver18Link(content string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", false
	}
	return doc.Find(`[href*="over18"]`).First().Attr("href")
}

// refreshBypassCache asks the helper to re-solve the challenge for targetURL,
// bypassing its cache. Success requires a substantial body.
func (h *Handler) refreshBypassCache(targetURL string, proxies map[string]string, forceLocal bool) bool {
	if !forceLocal && proxies == nil {
		h.log.Warn().Msg("Cannot refresh bypass cache: no proxy available")
		return false
	}

	base := h.bypassBase(proxies, forceLocal)
	refreshURL := base + "/html?url=" + url.QueryEscape(targetURL)
	headers := map[string]string{"x-bypass-cache": "true"}

	h.log.Debug().Msg("Refreshing bypass helper cache")

	content, err := h.doRequest(refreshURL, headers, nil, refreshTimeout, "Bypass Cache Refresh")
	if err != nil {
		h.log.Error().Err(err).Msg("Bypass cache refresh error")
		return false
	}
	if len(content) <= minContentBytes {
		h.log.Warn().Int("bytes", len(content)).Msg("Bypass cache refresh returned small response")
		return false
	}
	h.log.Debug().Int("bytes", len(content)).Msg("Bypass cache refresh successful")
	return true
}

// processHTML rejects challenge pages and content-less age modals; anything
// else passes through unchanged.
func (h *Handler) processHTML(content string) (string, bool) {
	switch classify(content) {
	case classChallenge:
		h.log.Warn().Msg("Verification challenge page detected")
		return "", false
	case classAgeModal:
		h.log.Warn().Msg("Age verification modal detected without content")
		return "", false
	}
	return content, true
}

// getPageDirect is the plain retry loop: fetch, accept when the body passes
// classification and the size rule, otherwise rotate the pool and try again.
// Listing pages under the size threshold are still accepted; detail pages are
// not, a small detail body means the real content was withheld.
func (h *Handler) getPageDirect(targetURL string, useCookie bool, module string, maxRetries int, proxies map[string]string, poolMode bool, proxyName string) (string, bool) {
	log := h.log.With().Str("module", module).Logger()

	for retry := 0; retry < maxRetries; {
		log.Debug().Str("url", targetURL).
			Int("attempt", retry+1).
			Int("max", maxRetries).
			Msg("Fetching URL")

		ctx := "No proxy"
		if proxies != nil {
			ctx = "Proxy=" + proxyName
		}

		out := h.fetchDirect(targetURL, proxies, ctx, useCookie)
		if out.success {
			if poolMode {
				h.pool.MarkSuccess()
			}
			if content, ok := h.processHTML(out.content); ok {
				if len(content) >= minContentBytes {
					return content, true
				}
				if !isDetailURL(targetURL) {
					return content, true
				}
				log.Warn().Int("bytes", len(content)).
					Msg("Small response for detail page, retrying")
			}
		}

		if out.challenge {
			log.Warn().Dur("cooldown", h.cfg.TurnstileCooldown).
				Msg("Challenge detected, waiting before retry")
			h.sleepFor(h.cfg.TurnstileCooldown)
		}

		if poolMode && retry < maxRetries-1 {
			if !h.pool.MarkFailureAndSwitch() {
				log.Error().Msg("Failed to switch proxy, no more proxies available")
				break
			}
			proxies = h.pool.CurrentProxy()
			proxyName = h.pool.CurrentProxyName()
			log.Info().Str("proxy", proxyName).Msg("Switched proxy, retrying")
			retry++
			continue
		}
		retry++
	}

	return "", false
}

func (h *Handler) sleepFor(d time.Duration) {
	if d > 0 {
		h.sleep(d)
	}
}
