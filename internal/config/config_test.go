package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
port: 9090
ledger:
  kind: ethereum
  min_confirmations: 3
scheduler:
  interval: 30s
producers:
  - id: newsbot
    wallet: "0xfeed"
    plans:
      - id: ai-daily
        price: "5"
        currency: USD
        duration: 720h
        topics: [ai, robotics]
        schedule: "0 8 * * *"
      - id: crypto-hourly
        price: "0.001"
        duration: 168h
        interval: 1h
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newswire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(writeConfig(t, sampleYAML)))

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "ethereum", cfg.Ledger.Kind)
	assert.Equal(t, 3, cfg.Ledger.MinConfirmations)
	assert.Equal(t, 10*time.Second, cfg.Ledger.Timeout, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	require.NoError(t, cfg.Validate())

	plans := cfg.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, "newsbot", plans[0].ProducerID)
	assert.Equal(t, "0xfeed", plans[0].Recipient)
	assert.Equal(t, 720*time.Hour, plans[0].Duration)
	assert.Equal(t, []string{"ai", "robotics"}, plans[0].Topics)
	assert.Equal(t, "24h", plans[0].Timespan)
	assert.Equal(t, "ETH", plans[1].Currency, "currency falls back to the ledger's")
	assert.Equal(t, time.Hour, plans[1].Interval)
}

func TestEnvWinsOverFile(t *testing.T) {
	t.Setenv("NEWSWIRE_PORT", "7070")
	t.Setenv("NEWSWIRE_TICK_INTERVAL", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NEWSWIRE_CONFIG", writeConfig(t, sampleYAML))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.KafkaBrokers)
}

func TestValidateRejectsBadPlans(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(writeConfig(t, `
producers:
  - id: newsbot
    plans:
      - id: broken
        price: five
        duration: 0s
        schedule: "not a cron"
`)))
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a decimal")
	assert.Contains(t, err.Error(), "duration must be positive")
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestMissingFileIsNotAnError(t *testing.T) {
	t.Setenv("NEWSWIRE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}
