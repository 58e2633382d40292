package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSyncYAML() string {
	return `
source:
  server: db.internal
  database: clinic
  username: reader
  password: ${SOURCE_DB_PASSWORD}
  port: 5432
crm:
  webhook_url: https://crm.example.com/hooks/sync
  rate_limit: 5
stages:
  new: NEW
  contact_made: CONTACT_MADE
  treatment: TREATMENT
  completed_unpaid: COMPLETED_UNPAID
  won: WON
  lose: LOSE
  prepayment_invoice: PREPAYMENT_INVOICE
  final_invoice: FINAL_INVOICE
  executing: EXECUTING
  apology: APOLOGY
`
}

func writeConfigDir(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(contents), 0o644))
	return dir
}

func TestInitialize(t *testing.T) {
	t.Setenv("SOURCE_DB_PASSWORD", "hunter2")
	dir := writeConfigDir(t, validSyncYAML())

	cfg, err := Initialize(context.Background(), dir)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "db.internal", cfg.Source.Server)
	assert.Equal(t, "hunter2", cfg.Source.Password)
	assert.Equal(t, 5432, cfg.Source.Port)

	// Defaults filled in for anything the YAML omitted.
	assert.Equal(t, 3, cfg.CRM.MaxRetries)
	assert.Equal(t, 2, cfg.Sync.IntervalMinutes)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "./data/queue.store", cfg.Queue.StorePath)

	// YAML value overrides the default.
	assert.InDelta(t, 5, cfg.CRM.RateLimit, 0.001)
}

func TestInitializeConfigNotFound(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfigDir(t, `{{{not yaml`)

	_, err := Initialize(context.Background(), dir)

	require.Error(t, err)
}

func TestInitializeMissingRequiredField(t *testing.T) {
	t.Setenv("SOURCE_DB_PASSWORD", "hunter2")
	dir := writeConfigDir(t, `
crm:
  webhook_url: https://crm.example.com/hooks/sync
stages:
  new: NEW
  contact_made: CONTACT_MADE
  treatment: TREATMENT
  completed_unpaid: COMPLETED_UNPAID
  won: WON
  lose: LOSE
  prepayment_invoice: PREPAYMENT_INVOICE
  final_invoice: FINAL_INVOICE
  executing: EXECUTING
  apology: APOLOGY
`)

	_, err := Initialize(context.Background(), dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestInitializeDuplicateStageIdentifier(t *testing.T) {
	t.Setenv("SOURCE_DB_PASSWORD", "hunter2")
	dir := writeConfigDir(t, `
source:
  server: db.internal
  database: clinic
  username: reader
  password: ${SOURCE_DB_PASSWORD}
  port: 5432
crm:
  webhook_url: https://crm.example.com/hooks/sync
stages:
  new: NEW
  contact_made: NEW
  treatment: TREATMENT
  completed_unpaid: COMPLETED_UNPAID
  won: WON
  lose: LOSE
  prepayment_invoice: PREPAYMENT_INVOICE
  final_invoice: FINAL_INVOICE
  executing: EXECUTING
  apology: APOLOGY
`)

	_, err := Initialize(context.Background(), dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "also used by")
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	t.Setenv("SOURCE_DB_PASSWORD", "hunter2")
	dir := writeConfigDir(t, validSyncYAML()+"\nplans:\n  throttle_minutes: 45m\n")

	cfg, err := Initialize(context.Background(), dir)

	require.NoError(t, err)
	assert.Equal(t, "45m0s", cfg.Plans.ThrottleMinutes.Std().String())
}
