// Package banlist tracks proxies excluded from rotation for an extended
// period after repeated failures. Bans are persisted to a CSV ledger file so
// they survive process restarts; every pool that names the same ledger path
// shares one Ledger instance.
package banlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
)

const (
	banDuration = 7 * 24 * time.Hour

	// cooldownDuration is deliberately one day longer than the ban itself:
	// a proxy that reached ban severity still serves an extra day of local
	// cooldown after its ban record expires before it is tried again.
	cooldownDuration = 8 * 24 * time.Hour

	timeFormat = "2006-01-02 15:04:05"
)

// Record is one banned proxy entry.
type Record struct {
	ProxyName string
	BanTime   time.Time
	UnbanTime time.Time
	ProxyURL  string
}

// Active reports whether the ban is still in force at t.
func (r Record) Active(t time.Time) bool {
	return t.Before(r.UnbanTime)
}

// Ledger owns the ban records for one ledger file. All exported methods are
// safe for concurrent use; the mutex is held for the whole operation and no
// operation performs network I/O.
type Ledger struct {
	mu     sync.Mutex
	path   string
	banned map[string]Record
	now    func() time.Time
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Ledger)
)

// ForFile returns the process-wide Ledger for the given file path, creating
// and loading it on first use.
func ForFile(path string) *Ledger {
	registryMu.Lock()
	defer registryMu.Unlock()

	if l, ok := registry[path]; ok {
		return l
	}
	l := newLedger(path)
	registry[path] = l
	return l
}

func newLedger(path string) *Ledger {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l := logger.WithComponent("banlist")
			l.Error().Err(err).Str("dir", dir).
				Msg("Failed to create ledger directory")
		}
	}

	l := &Ledger{
		path:   path,
		banned: make(map[string]Record),
		now:    time.Now,
	}
	l.load()

	l.mu.Lock()
	l.sweepLocked()
	l.mu.Unlock()
	return l
}

// IsBanned reports whether an active ban exists for name. A record found
// expired during the lookup is evicted and the ledger file rewritten, so
// memory and storage stay consistent without a separate sweep.
func (l *Ledger) IsBanned(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.banned[name]
	if !ok {
		return false
	}
	if !record.Active(l.now()) {
		delete(l.banned, name)
		l.saveLocked()
		return false
	}
	return true
}

// AddBan records a 7-day ban for name. If an active ban already exists the
// call is a no-op; bans are never extended by repeated failures.
func (l *Ledger) AddBan(name, proxyURL string) {
	log := logger.WithComponent("banlist")

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.banned[name]; ok && existing.Active(l.now()) {
		log.Warn().Str("proxy", name).Msg("Proxy is already in ban period, not updating")
		return
	}

	banTime := l.now()
	record := Record{
		ProxyName: name,
		BanTime:   banTime,
		UnbanTime: banTime.Add(banDuration),
		ProxyURL:  proxyURL,
	}
	l.banned[name] = record

	log.Warn().Str("proxy", name).
		Str("unban_time", record.UnbanTime.Format(timeFormat)).
		Msg("Proxy banned for 7 days")

	l.saveLocked()
}

// Summary renders a human-readable report of all active bans sorted by
// ascending unban time. Expired entries are swept first.
func (l *Ledger) Summary(includeURL bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	if len(l.banned) == 0 {
		return "No proxies currently banned."
	}

	records := make([]Record, 0, len(l.banned))
	for _, r := range l.banned {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UnbanTime.Before(records[j].UnbanTime)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Currently banned proxies: %d\n", len(records))
	for _, r := range records {
		remaining := r.UnbanTime.Sub(l.now())
		if remaining < 0 {
			remaining = 0
		}
		days := int(remaining.Hours()) / 24
		hours := int(remaining.Hours()) % 24

		fmt.Fprintf(&b, "\n  - %s:", r.ProxyName)
		if includeURL && r.ProxyURL != "" {
			fmt.Fprintf(&b, "\n    IP: %s", r.ProxyURL)
		}
		fmt.Fprintf(&b, "\n    Banned at: %s", r.BanTime.Format(timeFormat))
		fmt.Fprintf(&b, "\n    Will unban: %s", r.UnbanTime.Format(timeFormat))
		fmt.Fprintf(&b, "\n    Time remaining: %d days %d hours", days, hours)
	}
	return b.String()
}

// BannedNames returns the names of all currently banned proxies.
func (l *Ledger) BannedNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	names := make([]string, 0, len(l.banned))
	for name := range l.banned {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of active bans.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return len(l.banned)
}

// CooldownSeconds is the per-incident cooldown window (in seconds) applied by
// pools when a proxy reaches ban severity. It is intentionally longer than the
// ban duration; see cooldownDuration.
func CooldownSeconds() int64 {
	return int64(cooldownDuration / time.Second)
}

// sweepLocked drops expired records and persists when anything changed.
// Callers must hold l.mu.
func (l *Ledger) sweepLocked() {
	log := logger.WithComponent("banlist")

	changed := false
	for name, r := range l.banned {
		if !r.Active(l.now()) {
			delete(l.banned, name)
			log.Info().Str("proxy", name).Msg("Removed expired ban record")
			changed = true
		}
	}
	if changed {
		l.saveLocked()
	}
}

func (l *Ledger) load() {
	log := logger.WithComponent("banlist")

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("file", l.path).Msg("No existing ban ledger found")
		} else {
			log.Error().Err(err).Str("file", l.path).Msg("Error loading ban ledger")
		}
		return
	}

	text := strings.TrimPrefix(string(data), "\ufeff")
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; ; i++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // unparsable row, skip
		}
		if i == 0 || len(row) < 3 {
			continue // header or malformed row
		}
		banTime, err1 := time.ParseInLocation(timeFormat, row[1], time.Local)
		unbanTime, err2 := time.ParseInLocation(timeFormat, row[2], time.Local)
		if err1 != nil || err2 != nil {
			continue
		}
		l.banned[row[0]] = Record{
			ProxyName: row[0],
			BanTime:   banTime,
			UnbanTime: unbanTime,
		}
	}
	log.Info().Int("count", len(l.banned)).Str("file", l.path).Msg("Loaded ban records")
}

// saveLocked rewrites the whole ledger file. Write errors are logged and
// otherwise ignored; the in-memory state stays authoritative for this process.
// Callers must hold l.mu.
func (l *Ledger) saveLocked() {
	log := logger.WithComponent("banlist")

	var b strings.Builder
	b.WriteString("\ufeff")
	w := csv.NewWriter(&b)
	_ = w.Write([]string{"proxy_name", "ban_time", "unban_time"})
	for _, r := range l.banned {
		_ = w.Write([]string{
			r.ProxyName,
			r.BanTime.Format(timeFormat),
			r.UnbanTime.Format(timeFormat),
		})
	}
	w.Flush()

	if err := os.WriteFile(l.path, []byte(b.String()), 0o644); err != nil {
		log.Error().Err(err).Str("file", l.path).Msg("Error saving ban records")
		return
	}
	log.Debug().Int("count", len(l.banned)).Str("file", l.path).Msg("Saved ban records")
}
