package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 200, cfg.Agent.BatchSize)
	assert.Equal(t, 1000, cfg.Agent.EventQueueSize)
	assert.Equal(t, 2*time.Second, cfg.Agent.BatchMaxTime)
	assert.Equal(t, 300*time.Second, cfg.Agent.ConfigStaleness)
	assert.Equal(t, 600*time.Second, cfg.Agent.RulesStaleness)
	assert.Equal(t, 60*time.Second, cfg.Agent.WorkerStallThreshold)
	assert.True(t, cfg.Agent.LogBody)
	assert.Equal(t, PolicySourceRemote, cfg.Agent.PolicySource)
	assert.Equal(t, 5*time.Second, cfg.Backoff())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: ":9090"
agent:
  application_id: from-file
  batch_size: 50
  batch_max_time: 500ms
  policy_source: POSTGRES
postgres:
  user: gov
  password: secret
  host: db
  db_name: policies
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "application.yaml"), []byte(yaml), 0o600))
	t.Setenv("GOV_AGENT_APPLICATION_ID", "from-env")
	t.Setenv("GOV_AGENT_DEBUG", "true")

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Agent.ApplicationID)
	assert.Equal(t, 50, cfg.Agent.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.BatchMaxTime)
	assert.Equal(t, PolicySourcePostgres, cfg.Agent.PolicySource)
	assert.Equal(t, "debug", cfg.LogLevel())
	assert.Equal(t, "postgres://gov:secret@db:5432/policies?sslmode=disable", cfg.DSN())
}

func TestValidate_ClampsInvalidValues(t *testing.T) {
	var cfg Config
	cfg.Agent.BatchSize = -1
	cfg.Agent.PolicySource = "ftp"
	validate(&cfg)

	assert.Equal(t, 200, cfg.Agent.BatchSize)
	assert.Equal(t, PolicySourceRemote, cfg.Agent.PolicySource)
	assert.Equal(t, "@every 30s", cfg.Agent.WatchdogSchedule)
}

func TestSetupLogging(t *testing.T) {
	SetupLogging("warn", "json")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	SetupLogging("nonsense", "console")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
