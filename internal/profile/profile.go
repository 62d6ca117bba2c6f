package profile

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingID is returned for a profile without its subject identifier.
var ErrMissingID = errors.New("profile is missing its identifier")

type Campaign struct {
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
}

type User struct {
	UserID       string         `json:"user_id"`
	CompanyID    string         `json:"company_id,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
	ModifiedTime *time.Time     `json:"modified_time,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent_string,omitempty"`
	Campaign     *Campaign      `json:"campaign,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (u User) Validate() error {
	if u.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrMissingID)
	}
	return nil
}

type Company struct {
	CompanyID     string         `json:"company_id"`
	CompanyDomain string         `json:"company_domain,omitempty"`
	SessionToken  string         `json:"session_token,omitempty"`
	ModifiedTime  *time.Time     `json:"modified_time,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	Campaign      *Campaign      `json:"campaign,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (c Company) Validate() error {
	if c.CompanyID == "" {
		return fmt.Errorf("%w: company_id is required", ErrMissingID)
	}
	return nil
}

// ValidUsers splits a batch into sendable profiles and the errors of the rest.
func ValidUsers(us []User) ([]User, []error) {
	var ok []User
	var errs []error
	for i, u := range us {
		if err := u.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		ok = append(ok, u)
	}
	return ok, errs
}

func ValidCompanies(cs []Company) ([]Company, []error) {
	var ok []Company
	var errs []error
	for i, c := range cs {
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		ok = append(ok, c)
	}
	return ok, errs
}
