package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "spider.log")
	Init(Config{Level: "debug", File: logFile, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})

	l := WithComponent("test")
	l.Info().Str("key", "value").Msg("hello")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "hello")
}

func TestInitBadLevelFallsBack(t *testing.T) {
	// An unparsable level must not panic; logging still works.
	Init(Config{Level: "nonsense"})
	l := WithComponent("test")
	l.Info().Msg("still alive")
}
