package fetcher

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TongWu/JAVDB-AutoSpider/pkg/pool"
)

func testHandler(t *testing.T, cfg Config, p *pool.Pool) *Handler {
	t.Helper()
	h := New(p, cfg)
	h.sleep = func(time.Duration) {}
	return h
}

func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func validListing() string {
	return strings.Repeat("<!-- padding -->", 700) + `<div class="movie-list">items</div>`
}

func challengePage() string {
	return `<title>Security Verification</title><div class="cf-turnstile"></div>`
}

func TestShouldUseProxyForModule(t *testing.T) {
	tests := []struct {
		name     string
		modules  []string
		module   string
		useProxy bool
		want     bool
	}{
		{"flag off", []string{"all"}, "actors", false, false},
		{"empty allow-list", nil, "actors", true, false},
		{"all wildcard", []string{"all"}, "actors", true, true},
		{"listed module", []string{"actors", "rankings"}, "actors", true, true},
		{"unlisted module", []string{"rankings"}, "actors", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHandler(t, Config{ProxyModules: tt.modules}, nil)
			assert.Equal(t, tt.want, h.ShouldUseProxyForModule(tt.module, tt.useProxy))
		})
	}
}

func TestGetPageDirectSuccess(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, validListing())
	}))
	defer server.Close()

	h := testHandler(t, DefaultConfig(), nil)
	content, ok := h.GetPage(PageRequest{URL: server.URL + "/actors", Module: "actors"})

	require.True(t, ok)
	assert.Contains(t, content, "movie-list")
	assert.Equal(t, int32(1), requests.Load())
}

func TestGetPageDirectSendsBrowserHeadersAndCookie(t *testing.T) {
	var gotUA, gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, validListing())
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.SessionCookie = "abc123"
	h := testHandler(t, cfg, nil)

	_, ok := h.GetPage(PageRequest{URL: server.URL, Module: "actors", UseCookie: true})
	require.True(t, ok)
	assert.Contains(t, gotUA, "Chrome/131")
	assert.Equal(t, "_jdb_session=abc123", gotCookie)
}

func TestGetPageDirectSmallListingAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div class="movie-list">one item</div>`)
	}))
	defer server.Close()

	h := testHandler(t, DefaultConfig(), nil)
	content, ok := h.GetPage(PageRequest{URL: server.URL + "/actors", Module: "actors"})

	require.True(t, ok)
	assert.Contains(t, content, "movie-list")
}

func TestGetPageDirectSmallDetailPageRetries(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `<div class="video-detail">stub</div>`)
	}))
	defer server.Close()

	h := testHandler(t, DefaultConfig(), nil)
	_, ok := h.GetPage(PageRequest{URL: server.URL + "/v/Ab3dE", Module: "detail", MaxRetries: 3})

	assert.False(t, ok)
	assert.Equal(t, int32(3), requests.Load())
}

func TestGetPageDirectChallengeWaitsAndRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, challengePage())
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.TurnstileCooldown = 10 * time.Second
	h := New(nil, cfg)

	var slept []time.Duration
	h.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, ok := h.GetPage(PageRequest{URL: server.URL, Module: "actors", MaxRetries: 2})

	assert.False(t, ok)
	require.Len(t, slept, 2)
	assert.Equal(t, 10*time.Second, slept[0])
}

func TestGetPageBypassSucceedsAfterRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/html", r.URL.Path)
		if calls.Add(1) == 1 {
			fmt.Fprint(w, "fail")
			return
		}
		fmt.Fprint(w, validListing())
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BypassPort = serverPort(t, server)
	h := testHandler(t, cfg, nil)

	content, ok := h.GetPage(PageRequest{
		URL:       "https://example.com/actors",
		Module:    "actors",
		UseBypass: true,
	})

	require.True(t, ok)
	assert.Contains(t, content, "movie-list")
	assert.Equal(t, int32(2), calls.Load())
	// A bypass-path success clears the failure counter.
	assert.Equal(t, 0, h.BypassFailureCount())
}

func TestGetPageBypassChallengeRefreshesCacheOnce(t *testing.T) {
	var refreshes, fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-bypass-cache") == "true" {
			refreshes.Add(1)
		} else {
			fetches.Add(1)
		}
		fmt.Fprint(w, challengePage())
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BypassPort = serverPort(t, server)
	h := testHandler(t, cfg, nil)

	_, ok := h.GetPage(PageRequest{
		URL:       "https://example.com/actors",
		Module:    "actors",
		UseBypass: true,
	})

	assert.False(t, ok)
	assert.Equal(t, int32(2), fetches.Load())
	assert.Equal(t, int32(1), refreshes.Load())
	// One failure after the initial attempt, one at exhaustion.
	assert.Equal(t, 2, h.BypassFailureCount())
}

func TestGetPageBypassAgeModalConfirmation(t *testing.T) {
	target := "https://example.com/censored"
	ageModal := `<div class="modal is-active over18-modal">` +
		`<a href="/over18?return_to=%2Fcensored">continue</a></div>`

	var over18Seen atomic.Bool
	var targetCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := r.URL.Query().Get("url")
		if strings.Contains(requested, "over18") {
			over18Seen.Store(true)
			fmt.Fprint(w, "ok")
			return
		}
		assert.Equal(t, target, requested)
		if targetCalls.Add(1) == 1 {
			fmt.Fprint(w, ageModal)
			return
		}
		fmt.Fprint(w, validListing())
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = "https://example.com"
	cfg.BypassPort = serverPort(t, server)
	h := testHandler(t, cfg, nil)

	content, ok := h.GetPage(PageRequest{
		URL:       target,
		Module:    "censored",
		UseBypass: true,
	})

	require.True(t, ok)
	assert.Contains(t, content, "movie-list")
	assert.True(t, over18Seen.Load())
	assert.Equal(t, int32(2), targetCalls.Load())
}

func TestGetPageBypassFallsBackToDirectWithProxy(t *testing.T) {
	// The same test server plays both upstream proxy (absolute-form GET) and
	// bypass helper (/html endpoint); the helper always fails so the sequence
	// must reach the direct-with-proxy step.
	var helperCalls, proxyCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/html" {
			helperCalls.Add(1)
			fmt.Fprint(w, "fail")
			return
		}
		proxyCalls.Add(1)
		fmt.Fprint(w, validListing())
	}))
	defer server.Close()

	banFile := filepath.Join(t.TempDir(), "bans.csv")
	proxyPool := pool.New(60, 3, banFile)
	proxyPool.AddProxy(server.URL, "", "A")
	proxyPool.AddProxy(server.URL, "", "B")

	cfg := DefaultConfig()
	cfg.ProxyMode = "pool"
	cfg.BypassPort = serverPort(t, server)
	h := testHandler(t, cfg, proxyPool)

	content, ok := h.GetPage(PageRequest{
		URL:       "http://example.com/actors",
		Module:    "actors",
		UseProxy:  true,
		UseBypass: true,
	})

	require.True(t, ok)
	assert.Contains(t, content, "movie-list")
	assert.Equal(t, int32(2), helperCalls.Load())
	assert.Equal(t, int32(1), proxyCalls.Load())
}
