package agent

import (
	"context"

	"api-governance-agent/internal/profile"
)

type ProfileUpdater interface {
	UpdateUser(ctx context.Context, u profile.User) error
	UpdateUsersBatch(ctx context.Context, us []profile.User) error
	UpdateCompany(ctx context.Context, c profile.Company) error
	UpdateCompaniesBatch(ctx context.Context, cs []profile.Company) error
}

// UpdateUser sends a user profile. Validation and transport failures are
// logged, not returned.
func (a *Agent) UpdateUser(ctx context.Context, u profile.User) {
	if err := u.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("user profile not sent")
		return
	}
	if a.deps.Profiles == nil {
		return
	}
	a.logProfile("user", a.deps.Profiles.UpdateUser(ctx, u))
}

// UpdateUsersBatch sends the valid profiles of us and logs the rest.
func (a *Agent) UpdateUsersBatch(ctx context.Context, us []profile.User) {
	valid, errs := profile.ValidUsers(us)
	for _, err := range errs {
		a.log.Warn().Err(err).Msg("user profile skipped")
	}
	if len(valid) == 0 {
		a.log.Warn().Int("submitted", len(us)).Msg("no valid user profiles to send")
		return
	}
	if a.deps.Profiles == nil {
		return
	}
	a.logProfile("users", a.deps.Profiles.UpdateUsersBatch(ctx, valid))
}

func (a *Agent) UpdateCompany(ctx context.Context, c profile.Company) {
	if err := c.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("company profile not sent")
		return
	}
	if a.deps.Profiles == nil {
		return
	}
	a.logProfile("company", a.deps.Profiles.UpdateCompany(ctx, c))
}

func (a *Agent) UpdateCompaniesBatch(ctx context.Context, cs []profile.Company) {
	valid, errs := profile.ValidCompanies(cs)
	for _, err := range errs {
		a.log.Warn().Err(err).Msg("company profile skipped")
	}
	if len(valid) == 0 {
		a.log.Warn().Int("submitted", len(cs)).Msg("no valid company profiles to send")
		return
	}
	if a.deps.Profiles == nil {
		return
	}
	a.logProfile("companies", a.deps.Profiles.UpdateCompaniesBatch(ctx, valid))
}

func (a *Agent) logProfile(kind string, err error) {
	if err != nil {
		a.log.Warn().Err(err).Str("profile", kind).Msg("profile update failed")
		return
	}
	a.log.Debug().Str("profile", kind).Msg("profile updated")
}
