package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("ESCALATION_INACTIVITY_DAYS", "10")
	t.Setenv("OUTBOX_MAX_RETRY_DELAY", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.App.Addr())
	assert.Equal(t, 30*time.Second, cfg.App.RequestTimeout())
	assert.Equal(t, 10, cfg.Escalation.InactivityDays)
	assert.Equal(t, 2, cfg.Escalation.CooldownDays)
	assert.Equal(t, 2, cfg.Escalation.UrgentLevel)
	assert.Equal(t, 2*time.Hour, cfg.Outbox.MaxRetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.Outbox.ClaimLease)
	assert.Equal(t, "postgres", cfg.Escalation.ChainSource)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("ESCALATION_CHAIN_SOURCE", "file")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ESCALATION_CHAIN_SOURCE", "ldap")
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate_Settings(t *testing.T) {
	t.Setenv("LOG_LEVEL", "chatty")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadEscalationChains(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  - category: Hostel
    location: Block-A
    level: 1
    assignee_id: warden_a
  - category: hostel
    level: 2
    assignee_id: chief_warden
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	chains, err := LoadEscalationChains(path)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, ChainEntry{Category: "hostel", Location: "block-a", Level: 1, AssigneeID: "warden_a"}, chains[0])
	assert.Equal(t, "", chains[1].Location)
	assert.Equal(t, 2, chains[1].Level)
}

func TestLoadEscalationChains_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  - category: hostel\n    level: 0\n"), 0o600))

	_, err := LoadEscalationChains(path)
	assert.Error(t, err)

	_, err = LoadEscalationChains(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
