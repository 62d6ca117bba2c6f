package appconfig

import (
	"api-governance-agent/internal/rules"
)

// SamplingPercentage resolves the sample rate for a transaction. Precedence:
// first matching regex rule, then user override, then company override, then
// the global rate. A resolution error yields DefaultSampleRate.
func (c *Config) SamplingPercentage(f rules.Fields, userID, companyID string) (int, error) {
	if c == nil {
		return DefaultSampleRate, nil
	}
	for _, sr := range c.RegexConfig {
		if len(sr.Conditions) == 0 {
			continue
		}
		matched, err := rules.Evaluate([]rules.Group{{Conditions: sr.Conditions}}, f)
		if err != nil {
			return DefaultSampleRate, err
		}
		if matched {
			return clamp(sr.SampleRate), nil
		}
	}
	if rate, ok := c.UserSampleRate[userID]; ok && userID != "" {
		return clamp(rate), nil
	}
	if rate, ok := c.CompanySampleRate[companyID]; ok && companyID != "" {
		return clamp(rate), nil
	}
	return clamp(c.SampleRate), nil
}

// CalculateWeight returns the inverse-probability weight for a sample rate.
func CalculateWeight(rate int) int {
	if rate <= 0 {
		return 1
	}
	return 100 / rate
}

func clamp(rate int) int {
	switch {
	case rate < 0:
		return 0
	case rate > 100:
		return 100
	default:
		return rate
	}
}
