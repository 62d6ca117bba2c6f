package governance

import (
	"github.com/rs/zerolog"

	"api-governance-agent/internal/rules"
)

// evaluate reports the regex outcome for a rule; ok is false when the rule
// cannot be evaluated and must be treated as not applicable.
func evaluate(r *Rule, f rules.Fields, log zerolog.Logger) (matched, ok bool) {
	matched, err := rules.Evaluate(r.RegexConfig, f)
	if err != nil {
		log.Warn().Err(err).Str("rule_id", r.ID).Msg("rule not evaluable")
		return false, false
	}
	return matched, true
}

// RegexRules returns the regex rules whose conditions match, in declaration order.
func (ix *Index) RegexRules(f rules.Fields, log zerolog.Logger) []*Rule {
	return matching(ix.regex, f, log)
}

// UnidentifiedUserRules applies to transactions without a resolved user.
func (ix *Index) UnidentifiedUserRules(f rules.Fields, log zerolog.Logger) []*Rule {
	return matching(ix.unidentifiedUser, f, log)
}

// UnidentifiedCompanyRules applies to transactions without a resolved company.
func (ix *Index) UnidentifiedCompanyRules(f rules.Fields, log zerolog.Logger) []*Rule {
	return matching(ix.unidentifiedCompany, f, log)
}

// UserRules resolves the rules applicable to an identified user.
func (ix *Index) UserRules(entries []CohortEntry, f rules.Fields, log zerolog.Logger) []*Rule {
	return identified(ix.user, ix.userOrder, entries, f, log)
}

// CompanyRules resolves the rules applicable to an identified company.
func (ix *Index) CompanyRules(entries []CohortEntry, f rules.Fields, log zerolog.Logger) []*Rule {
	return identified(ix.company, ix.companyOrder, entries, f, log)
}

func matching(bucket []*Rule, f rules.Fields, log zerolog.Logger) []*Rule {
	var out []*Rule
	for _, r := range bucket {
		if matched, ok := evaluate(r, f, log); ok && matched {
			out = append(out, r)
		}
	}
	return out
}

// identified applies a rule unless the subject is exempted by cohort membership.
//
// For rules the subject's cohorts reference, a matching rule applies when the
// regex matches and an exempting rule applies when it does not. Exempting
// rules the subject is not a member of apply whenever their regex matches.
func identified(byID map[string]*Rule, order []*Rule, entries []CohortEntry, f rules.Fields, log zerolog.Logger) []*Rule {
	var out []*Rule
	referenced := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		r, found := byID[entry.RuleID]
		if !found {
			continue
		}
		if _, seen := referenced[r.ID]; seen {
			continue
		}
		referenced[r.ID] = struct{}{}

		matched, ok := evaluate(r, f, log)
		if !ok {
			continue
		}
		if matched != r.exempting() {
			out = append(out, r)
		}
	}

	for _, r := range order {
		if !r.exempting() {
			continue
		}
		if _, member := referenced[r.ID]; member {
			continue
		}
		if matched, ok := evaluate(r, f, log); ok && matched {
			out = append(out, r)
		}
	}
	return out
}
