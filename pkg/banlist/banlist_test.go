package banlist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bans.csv")
	return newLedger(path), path
}

func TestAddBanAndIsBanned(t *testing.T) {
	l, _ := testLedger(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	l.now = func() time.Time { return now }

	assert.False(t, l.IsBanned("Proxy-1"))

	l.AddBan("Proxy-1", "http://10.0.0.1:8080")
	assert.True(t, l.IsBanned("Proxy-1"))
	assert.Equal(t, 1, l.Count())

	record := l.banned["Proxy-1"]
	assert.Equal(t, now.Add(7*24*time.Hour), record.UnbanTime)
}

func TestAddBanDoesNotExtendActiveBan(t *testing.T) {
	l, _ := testLedger(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	l.now = func() time.Time { return now }

	l.AddBan("Proxy-1", "")
	firstUnban := l.banned["Proxy-1"].UnbanTime

	now = now.Add(24 * time.Hour)
	l.AddBan("Proxy-1", "")
	assert.Equal(t, firstUnban, l.banned["Proxy-1"].UnbanTime)
}

func TestExpiredBanIsEvictedOnRead(t *testing.T) {
	l, path := testLedger(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	l.now = func() time.Time { return now }

	l.AddBan("Proxy-1", "")
	assert.True(t, l.IsBanned("Proxy-1"))

	now = now.Add(7*24*time.Hour + time.Minute)
	assert.False(t, l.IsBanned("Proxy-1"))
	assert.Empty(t, l.BannedNames())

	// The eviction must have reached the file too.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Proxy-1")
}

func TestLedgerPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.csv")

	first := newLedger(path)
	first.AddBan("Proxy-A", "http://10.0.0.1:8080")

	second := newLedger(path)
	assert.True(t, second.IsBanned("Proxy-A"))
	assert.Equal(t, []string{"Proxy-A"}, second.BannedNames())
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.csv")
	unban := time.Now().Add(48 * time.Hour).Format(timeFormat)
	ban := time.Now().Format(timeFormat)

	content := "\ufeffproxy_name,ban_time,unban_time\n" +
		"Good," + ban + "," + unban + "\n" +
		"Broken,not-a-time,also-not-a-time\n" +
		"TooShort\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l := newLedger(path)
	assert.True(t, l.IsBanned("Good"))
	assert.Equal(t, 1, l.Count())
}

func TestSavedFileFormat(t *testing.T) {
	l, path := testLedger(t)
	l.AddBan("Proxy-1", "")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.True(t, strings.HasPrefix(text, "\ufeff"))
	assert.Contains(t, text, "proxy_name,ban_time,unban_time")
	assert.Contains(t, text, "Proxy-1")
}

func TestSummary(t *testing.T) {
	l, _ := testLedger(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	l.now = func() time.Time { return now }

	assert.Equal(t, "No proxies currently banned.", l.Summary(false))

	l.AddBan("Proxy-1", "http://10.0.0.1:8080")
	summary := l.Summary(true)
	assert.Contains(t, summary, "Currently banned proxies: 1")
	assert.Contains(t, summary, "Proxy-1")
	assert.Contains(t, summary, "Will unban: 2026-03-08 12:00:00")
	assert.Contains(t, summary, "Time remaining: 7 days 0 hours")
	assert.Contains(t, summary, "http://10.0.0.1:8080")

	// URL suppressed unless asked for.
	assert.NotContains(t, l.Summary(false), "http://10.0.0.1:8080")
}

func TestForFileReturnsSharedInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bans.csv")
	a := ForFile(path)
	b := ForFile(path)
	assert.Same(t, a, b)
}

func TestCooldownSeconds(t *testing.T) {
	assert.Equal(t, int64(8*24*60*60), CooldownSeconds())
}
