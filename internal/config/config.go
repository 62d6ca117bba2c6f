package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	PolicySourceRemote   = "remote"
	PolicySourcePostgres = "postgres"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr      string `mapstructure:"addr"`
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
		// QuoteURL is the upstream pricing service the demo API calls.
		QuoteURL string `mapstructure:"quote_url"`
	} `mapstructure:"server"`

	Agent struct {
		ApplicationID        string        `mapstructure:"application_id"`
		BaseURL              string        `mapstructure:"base_url"`
		BatchSize            int           `mapstructure:"batch_size"`
		EventQueueSize       int           `mapstructure:"event_queue_size"`
		BatchMaxTime         time.Duration `mapstructure:"batch_max_time"`
		ConfigStaleness      time.Duration `mapstructure:"config_staleness"`
		RulesStaleness       time.Duration `mapstructure:"rules_staleness"`
		RefreshRetryInterval time.Duration `mapstructure:"refresh_retry_interval"`
		WorkerStallThreshold time.Duration `mapstructure:"worker_stall_threshold"`
		WatchdogSchedule     string        `mapstructure:"watchdog_schedule"`
		RequestTimeout       time.Duration `mapstructure:"request_timeout"`
		Debug                bool          `mapstructure:"debug"`
		LogBody              bool          `mapstructure:"log_body"`
		APIVersion           string        `mapstructure:"api_version"`
		DisableTransactionID bool          `mapstructure:"disable_transaction_id"`
		PolicySource         string        `mapstructure:"policy_source"`
	} `mapstructure:"agent"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`
}

// Load reads configs/application.yaml if present, then GOV_* environment
// overrides (GOV_AGENT_APPLICATION_ID, GOV_SERVER_ADDR, ...).
func Load() Config {
	cfg, err := load(viper.New(), "configs")
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(v *viper.Viper, paths ...string) (Config, error) {
	setDefaults(v)

	v.SetConfigName("application")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("GOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	validate(&cfg)
	return cfg, nil
}

// every key needs a default so AutomaticEnv can see it during Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("server.quote_url", "")

	v.SetDefault("agent.application_id", "")
	v.SetDefault("agent.base_url", "https://api.collector.local")
	v.SetDefault("agent.batch_size", 200)
	v.SetDefault("agent.event_queue_size", 1000)
	v.SetDefault("agent.batch_max_time", "2s")
	v.SetDefault("agent.config_staleness", "300s")
	v.SetDefault("agent.rules_staleness", "600s")
	v.SetDefault("agent.refresh_retry_interval", "30s")
	v.SetDefault("agent.worker_stall_threshold", "60s")
	v.SetDefault("agent.watchdog_schedule", "@every 30s")
	v.SetDefault("agent.request_timeout", "10s")
	v.SetDefault("agent.debug", false)
	v.SetDefault("agent.log_body", true)
	v.SetDefault("agent.api_version", "")
	v.SetDefault("agent.disable_transaction_id", false)
	v.SetDefault("agent.policy_source", PolicySourceRemote)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db_name", "")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 10)

	v.SetDefault("listener.channel", "governance_policy_change")
	v.SetDefault("listener.reconnect_seconds", 5)
}

func validate(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Agent.BatchSize <= 0 {
		c.Agent.BatchSize = 200
	}
	if c.Agent.EventQueueSize <= 0 {
		c.Agent.EventQueueSize = 1000
	}
	if c.Agent.BatchMaxTime <= 0 {
		c.Agent.BatchMaxTime = 2 * time.Second
	}
	if c.Agent.ConfigStaleness <= 0 {
		c.Agent.ConfigStaleness = 300 * time.Second
	}
	if c.Agent.RulesStaleness <= 0 {
		c.Agent.RulesStaleness = 600 * time.Second
	}
	if c.Agent.RefreshRetryInterval < 0 {
		c.Agent.RefreshRetryInterval = 30 * time.Second
	}
	if c.Agent.WorkerStallThreshold <= 0 {
		c.Agent.WorkerStallThreshold = 60 * time.Second
	}
	if c.Agent.WatchdogSchedule == "" {
		c.Agent.WatchdogSchedule = "@every 30s"
	}
	if c.Agent.RequestTimeout <= 0 {
		c.Agent.RequestTimeout = 10 * time.Second
	}
	c.Agent.PolicySource = strings.ToLower(c.Agent.PolicySource)
	if c.Agent.PolicySource != PolicySourcePostgres {
		c.Agent.PolicySource = PolicySourceRemote
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 10
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
}

// LogLevel is the effective level; agent.debug forces debug.
func (c Config) LogLevel() string {
	if c.Agent.Debug {
		return "debug"
	}
	return c.Server.LogLevel
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration {
	return time.Duration(c.Listener.ReconnectSeconds) * time.Second
}
