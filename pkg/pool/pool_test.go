package pool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, maxFailures int) *Pool {
	t.Helper()
	banFile := filepath.Join(t.TempDir(), "bans.csv")
	p := New(8*24*60*60, maxFailures, banFile)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	p.now = func() time.Time { return now }
	return p
}

func addThree(p *Pool) {
	p.AddProxy("http://10.0.0.1:8080", "", "A")
	p.AddProxy("http://10.0.0.2:8080", "", "B")
	p.AddProxy("http://10.0.0.3:8080", "", "C")
}

func TestAddProxy(t *testing.T) {
	p := testPool(t, 3)

	p.AddProxy("", "", "NoURLs")
	assert.Equal(t, 0, p.Count())

	p.AddProxy("http://10.0.0.1:8080", "https://10.0.0.1:8443", "")
	assert.Equal(t, 1, p.Count())
	assert.Equal(t, "Proxy-1", p.CurrentProxyName())
}

func TestAddProxies(t *testing.T) {
	p := testPool(t, 3)
	p.AddProxies([]ProxyEntry{
		{Name: "A", HTTPURL: "http://10.0.0.1:8080"},
		{Name: "B", HTTPSURL: "https://10.0.0.2:8443"},
		{Name: "empty"},
	})
	assert.Equal(t, 2, p.Count())
}

func TestAddProxySkipsBanned(t *testing.T) {
	p := testPool(t, 3)
	p.ledger.AddBan("Banned", "http://10.0.0.9:8080")

	p.AddProxy("http://10.0.0.9:8080", "", "Banned")
	assert.Equal(t, 0, p.Count())
}

func TestProxyMap(t *testing.T) {
	r := &Record{HTTPURL: "http://10.0.0.1:8080", HTTPSURL: "https://10.0.0.1:8443"}
	assert.Equal(t, map[string]string{
		"http":  "http://10.0.0.1:8080",
		"https": "https://10.0.0.1:8443",
	}, r.ProxyMap())

	r = &Record{HTTPURL: "http://10.0.0.1:8080"}
	assert.Equal(t, map[string]string{"http": "http://10.0.0.1:8080"}, r.ProxyMap())
}

func TestRoundRobin(t *testing.T) {
	p := testPool(t, 3)
	addThree(p)

	assert.Equal(t, "A", p.CurrentProxyName())
	assert.Equal(t, map[string]string{"http": "http://10.0.0.2:8080"}, p.NextProxy())
	assert.Equal(t, map[string]string{"http": "http://10.0.0.3:8080"}, p.NextProxy())
	assert.Equal(t, map[string]string{"http": "http://10.0.0.1:8080"}, p.NextProxy())
	assert.Equal(t, map[string]string{"http": "http://10.0.0.2:8080"}, p.NextProxy())
}

func TestCurrentProxyEmptyPool(t *testing.T) {
	p := testPool(t, 3)
	assert.Nil(t, p.CurrentProxy())
	assert.Nil(t, p.NextProxy())
	assert.Equal(t, "None", p.CurrentProxyName())
}

func TestNoProxyMode(t *testing.T) {
	p := testPool(t, 3)
	addThree(p)

	p.EnableNoProxyMode()
	assert.Nil(t, p.CurrentProxy())
	assert.Nil(t, p.NextProxy())
	assert.Equal(t, "No-Proxy (Direct)", p.CurrentProxyName())
	assert.False(t, p.MarkFailureAndSwitch())

	p.DisableNoProxyMode()
	assert.NotNil(t, p.CurrentProxy())
}

func TestMarkSuccessResetsFailures(t *testing.T) {
	p := testPool(t, 3)
	addThree(p)

	require.True(t, p.MarkFailureAndSwitch()) // A fails once, cursor moves to B
	assert.Equal(t, 1, p.proxies[0].ConsecutiveFailures)
	assert.Equal(t, "B", p.CurrentProxyName())

	p.MarkSuccess()
	assert.Equal(t, 0, p.proxies[1].ConsecutiveFailures)
	assert.Equal(t, uint64(1), p.proxies[1].SuccessfulRequests)
	assert.Equal(t, uint64(1), p.proxies[1].TotalRequests)
}

func TestFailureStreakTriggersBan(t *testing.T) {
	p := testPool(t, 2)
	addThree(p)

	// First failure: streak below the limit, no ban.
	require.True(t, p.MarkFailureAndSwitch())
	assert.False(t, p.ledger.IsBanned("A"))
	assert.Equal(t, "B", p.CurrentProxyName())

	// Rotate back to A and fail it again: the streak hits the limit.
	p.NextProxy()
	p.NextProxy()
	require.Equal(t, "A", p.CurrentProxyName())
	require.True(t, p.MarkFailureAndSwitch())

	assert.True(t, p.ledger.IsBanned("A"))
	assert.False(t, p.proxies[0].Available)
	assert.NotNil(t, p.proxies[0].CooldownUntil)

	// A stays out of rotation while cooling down.
	assert.Equal(t, "B", p.CurrentProxyName())
	p.NextProxy()
	assert.Equal(t, "C", p.CurrentProxyName())
	p.NextProxy()
	assert.Equal(t, "B", p.CurrentProxyName())
}

func TestMarkFailureAndSwitchExhausted(t *testing.T) {
	p := testPool(t, 1)
	p.AddProxy("http://10.0.0.1:8080", "", "Only")

	// With a single proxy the ban leaves nothing to switch to.
	assert.False(t, p.MarkFailureAndSwitch())
	assert.True(t, p.ledger.IsBanned("Only"))
	assert.Nil(t, p.CurrentProxy())
}

func TestCooldownExpiryRestoresProxy(t *testing.T) {
	p := testPool(t, 1)
	addThree(p)

	require.True(t, p.MarkFailureAndSwitch()) // bans A, cooldown 8 days
	assert.Equal(t, "B", p.CurrentProxyName())

	// After the cooldown window the proxy flips back to available.
	later := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	p.now = func() time.Time { return later }

	stats := p.Statistics()
	assert.Equal(t, 3, stats.AvailableProxies)
	assert.Equal(t, 0, stats.InCooldown)
}

func TestStatistics(t *testing.T) {
	p := testPool(t, 3)
	addThree(p)

	p.MarkSuccess()
	require.True(t, p.MarkFailureAndSwitch())

	stats := p.Statistics()
	assert.Equal(t, 3, stats.TotalProxies)
	assert.Equal(t, 3, stats.AvailableProxies)
	assert.False(t, stats.NoProxyMode)
	require.Len(t, stats.Proxies, 3)

	a := stats.Proxies[0]
	assert.Equal(t, "A", a.Name)
	assert.Equal(t, 1, a.ConsecutiveFailures)
	assert.Equal(t, uint64(2), a.TotalRequests)
	assert.Equal(t, uint64(1), a.SuccessfulRequests)
	assert.Equal(t, "50.0%", a.SuccessRate)

	b := stats.Proxies[1]
	assert.True(t, b.IsCurrent)
	assert.Equal(t, "Never", b.LastSuccess)
}
