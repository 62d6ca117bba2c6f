package appconfig

import (
	"encoding/json"
	"fmt"
	"time"

	"api-governance-agent/internal/governance"
	"api-governance-agent/internal/rules"
)

// DefaultSampleRate applies when no configuration is available.
const DefaultSampleRate = 100

// SamplingRule overrides the sample rate for transactions matching all its conditions.
type SamplingRule struct {
	Conditions []rules.Condition `json:"conditions"`
	SampleRate int               `json:"sample_rate"`
}

// Config is the remote application configuration. A Config is never
// mutated after it has been published.
type Config struct {
	SampleRate        int                                 `json:"sample_rate"`
	UserSampleRate    map[string]int                      `json:"user_sample_rate"`
	CompanySampleRate map[string]int                      `json:"company_sample_rate"`
	RegexConfig       []SamplingRule                      `json:"regex_config"`
	UserRules         map[string][]governance.CohortEntry `json:"user_rules"`
	CompanyRules      map[string][]governance.CohortEntry `json:"company_rules"`

	ETag      string    `json:"-"`
	FetchedAt time.Time `json:"-"`
}

// Default returns the configuration used before any fetch succeeds.
func Default() *Config {
	return &Config{SampleRate: DefaultSampleRate}
}

// Parse decodes a configuration body. A missing sample_rate defaults to 100.
func Parse(body []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// UserCohorts returns the cohort entries for a user, if any.
func (c *Config) UserCohorts(userID string) []governance.CohortEntry {
	if c == nil || userID == "" {
		return nil
	}
	return c.UserRules[userID]
}

// CompanyCohorts returns the cohort entries for a company, if any.
func (c *Config) CompanyCohorts(companyID string) []governance.CohortEntry {
	if c == nil || companyID == "" {
		return nil
	}
	return c.CompanyRules[companyID]
}
