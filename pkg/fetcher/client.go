package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	directTimeout  = 30 * time.Second
	bypassTimeout  = 60 * time.Second
	refreshTimeout = 120 * time.Second
)

// browserHeaders is the fixed realistic header set sent on direct fetches.
func browserHeaders() map[string]string {
	return map[string]string{
		"User-Agent":                "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
		"Accept-Language":           "zh-TW,zh;q=0.9,en-US;q=0.8,en;q=0.7",
		"Accept-Encoding":           "gzip, deflate",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Sec-Ch-Ua":                 `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"macOS"`,
		"Cache-Control":             "max-age=0",
	}
}

// clientFor returns an HTTP client configured for the given proxy map,
// reusing clients (and their cookie jars) across calls with the same proxies.
func (h *Handler) clientFor(proxies map[string]string, timeout time.Duration) (*http.Client, error) {
	key := clientKey(proxies, timeout)

	h.clientMu.Lock()
	defer h.clientMu.Unlock()

	if c, ok := h.clients[key]; ok {
		return c, nil
	}

	transport := &http.Transport{}
	if len(proxies) > 0 {
		httpProxy, httpsProxy, err := parseProxyMap(proxies)
		if err != nil {
			return nil, err
		}
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" && httpsProxy != nil {
				return httpsProxy, nil
			}
			if httpProxy != nil {
				return httpProxy, nil
			}
			return httpsProxy, nil
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	c := &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   timeout,
	}
	h.clients[key] = c
	return c, nil
}

func parseProxyMap(proxies map[string]string) (httpProxy, httpsProxy *url.URL, err error) {
	if raw, ok := proxies["http"]; ok && raw != "" {
		httpProxy, err = url.Parse(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid http proxy url: %w", err)
		}
	}
	if raw, ok := proxies["https"]; ok && raw != "" {
		httpsProxy, err = url.Parse(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid https proxy url: %w", err)
		}
	}
	return httpProxy, httpsProxy, nil
}

func clientKey(proxies map[string]string, timeout time.Duration) string {
	keys := make([]string, 0, len(proxies))
	for k, v := range proxies {
		keys = append(keys, k+"="+v)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s|%s", timeout, strings.Join(keys, ","))
}

// doRequest issues a GET and returns the body text. All transport, status and
// decode errors are absorbed into the error return; callers convert them into
// retry decisions, never into panics or propagated failures.
func (h *Handler) doRequest(targetURL string, headers map[string]string, proxies map[string]string, timeout time.Duration, contextMsg string) (string, error) {
	h.log.Debug().Str("context", contextMsg).Str("url", targetURL).Msg("Requesting")

	client, err := h.clientFor(proxies, timeout)
	if err != nil {
		h.log.Error().Str("context", contextMsg).Err(err).Msg("Failed to build client")
		return "", err
	}

	req, err := http.NewRequest(http.MethodGet, targetURL, nil)
	if err != nil {
		h.log.Error().Str("context", contextMsg).Err(err).Msg("Failed to build request")
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		h.log.Error().Str("context", contextMsg).Err(err).Msg("Request error")
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.log.Error().Str("context", contextMsg).Int("status", resp.StatusCode).Msg("HTTP error")
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.log.Error().Str("context", contextMsg).Err(err).Msg("Failed to read response body")
		return "", err
	}

	h.log.Debug().Str("context", contextMsg).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("Response received")
	return string(body), nil
}

// proxyHost extracts the host part of the preferred proxy URL, used to reach
// the bypass helper running next to the proxy.
func proxyHost(proxies map[string]string) string {
	raw := proxies["https"]
	if raw == "" {
		raw = proxies["http"]
	}
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
