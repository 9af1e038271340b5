// Package checker probes configured proxy endpoints before they enter the
// rotation pool, so a run never starts on a dead upstream.
package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/masking"
)

// Status is the verdict for one probe.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Candidate is one proxy endpoint to probe, identified by its pool name.
type Candidate struct {
	Name string
	URL  string
}

// Result is the outcome of probing one candidate.
type Result struct {
	Candidate    Candidate
	Status       Status
	ResponseTime time.Duration
	Err          error
	CheckedAt    time.Time
}

// Config tunes a Checker; zero values fall back to defaults.
type Config struct {
	TestURL    string
	Timeout    time.Duration
	MaxWorkers int
	UserAgent  string
}

// Checker probes proxy endpoints concurrently.
type Checker struct {
	testURL    string
	timeout    time.Duration
	maxWorkers int
	userAgent  string
}

// New builds a Checker from cfg, applying defaults for unset fields.
func New(cfg Config) *Checker {
	c := &Checker{
		testURL:    cfg.TestURL,
		timeout:    cfg.Timeout,
		maxWorkers: cfg.MaxWorkers,
		userAgent:  cfg.UserAgent,
	}
	if c.testURL == "" {
		c.testURL = "https://httpbin.org/ip"
	}
	if c.timeout <= 0 {
		c.timeout = 20 * time.Second
	}
	if c.maxWorkers <= 0 {
		c.maxWorkers = 10
	}
	if c.userAgent == "" {
		c.userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	return c
}

// Check probes one candidate.
func (c *Checker) Check(ctx context.Context, candidate Candidate) Result {
	start := time.Now()
	status, err := c.probe(ctx, candidate)
	return Result{
		Candidate:    candidate,
		Status:       status,
		ResponseTime: time.Since(start),
		Err:          err,
		CheckedAt:    start,
	}
}

// CheckAll probes all candidates through a bounded worker pool and returns
// one result per candidate, in completion order.
func (c *Checker) CheckAll(ctx context.Context, candidates []Candidate) []Result {
	if len(candidates) == 0 {
		return nil
	}
	log := logger.WithComponent("checker")

	workers := c.maxWorkers
	if workers > len(candidates) {
		workers = len(candidates)
	}

	queue := make(chan Candidate, len(candidates))
	out := make(chan Result, len(candidates))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for candidate := range queue {
				select {
				case <-ctx.Done():
					return
				default:
					out <- c.Check(ctx, candidate)
				}
			}
		}()
	}

	for _, candidate := range candidates {
		queue <- candidate
	}
	close(queue)

	go func() {
		wg.Wait()
		close(out)
	}()

	var results []Result
	healthy := 0
	for result := range out {
		results = append(results, result)
		if result.Status == StatusHealthy {
			healthy++
			log.Info().Str("proxy", result.Candidate.Name).
				Dur("response_time", result.ResponseTime).
				Msg("Proxy check passed")
		} else {
			log.Warn().Str("proxy", result.Candidate.Name).
				Str("url", masking.ProxyURLLoose(result.Candidate.URL)).
				Str("status", result.Status.String()).
				Err(result.Err).
				Msg("Proxy check failed")
		}
	}

	log.Info().Int("healthy", healthy).Int("total", len(results)).Msg("Proxy checks complete")
	return results
}

// probe sends one request to the test URL through the candidate proxy.
// SOCKS endpoints dial through a SOCKS5 dialer; HTTP(S) endpoints go through
// the transport's proxy support.
func (c *Checker) probe(ctx context.Context, candidate Candidate) (Status, error) {
	proxyURL, err := url.Parse(candidate.URL)
	if err != nil {
		return StatusError, fmt.Errorf("invalid proxy url: %w", err)
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks4", "socks5", "socks5h":
		dialer, err := socksDialer(proxyURL)
		if err != nil {
			return StatusError, err
		}
		transport = baseTransport()
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		transport = baseTransport()
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.testURL, nil)
	if err != nil {
		return StatusError, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/plain, application/json")
	req.Header.Set("Connection", "close")

	resp, err := client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return StatusTimeout, err
		}
		if isConnectionError(err) {
			return StatusUnhealthy, err
		}
		return StatusError, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return StatusHealthy, nil
	}
	return StatusUnhealthy, fmt.Errorf("HTTP %d", resp.StatusCode)
}

// baseTransport returns a transport tuned for one-shot probing: no keep-alive
// and a permissive TLS config, so a flaky upstream cannot poison later runs.
func baseTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 0,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		MaxIdleConns:          0,
		IdleConnTimeout:       1 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// socksDialer builds a SOCKS5 dialer from the proxy URL, carrying credentials
// when present. SOCKS4 endpoints are dialed as SOCKS5, which most servers
// accept.
func socksDialer(proxyURL *url.URL) (netproxy.Dialer, error) {
	var auth *netproxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &netproxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxyURL.Host, auth, netproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
	}
	return dialer, nil
}

func isTimeoutError(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return false
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "connection reset")
}

// FilterHealthy returns the candidates whose probe passed.
func FilterHealthy(results []Result) []Candidate {
	var healthy []Candidate
	for _, r := range results {
		if r.Status == StatusHealthy {
			healthy = append(healthy, r.Candidate)
		}
	}
	return healthy
}

// HealthyCount counts passing probes.
func HealthyCount(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Status == StatusHealthy {
			n++
		}
	}
	return n
}
