package governance

import (
	"slices"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/rules"
)

// Index partitions a rule list for fast applicability lookups. It is built
// once per reload and never mutated afterwards.
type Index struct {
	regex []*Rule

	user             map[string]*Rule
	userOrder        []*Rule
	unidentifiedUser []*Rule

	company             map[string]*Rule
	companyOrder        []*Rule
	unidentifiedCompany []*Rule
}

// BuildIndex routes every rule into its type bucket in a single pass.
// Rules of unknown type or without an id are dropped and logged.
func BuildIndex(rs []Rule, log zerolog.Logger) *Index {
	rs = slices.Clone(rs)
	ix := &Index{
		user:    map[string]*Rule{},
		company: map[string]*Rule{},
	}
	for i := range rs {
		r := &rs[i]
		if r.ID == "" {
			log.Warn().Str("type", string(r.Type)).Msg("rule without id dropped")
			continue
		}
		if err := rules.Validate(r.RegexConfig); err != nil {
			// kept: the rule is simply never applicable
			log.Warn().Err(err).Str("rule_id", r.ID).Msg("rule has malformed conditions")
		}
		switch r.Type {
		case RuleTypeRegex:
			ix.regex = append(ix.regex, r)
		case RuleTypeUser:
			ix.user[r.ID] = r
			ix.userOrder = append(ix.userOrder, r)
			if r.AppliedToUnidentified {
				ix.unidentifiedUser = append(ix.unidentifiedUser, r)
			}
		case RuleTypeCompany:
			ix.company[r.ID] = r
			ix.companyOrder = append(ix.companyOrder, r)
			if r.AppliedToUnidentified {
				ix.unidentifiedCompany = append(ix.unidentifiedCompany, r)
			}
		default:
			log.Warn().Str("rule_id", r.ID).Str("type", string(r.Type)).Msg("rule type not recognized, dropped")
		}
	}
	return ix
}

// HasRules reports whether any rule survived indexing.
func (ix *Index) HasRules() bool {
	if ix == nil {
		return false
	}
	return len(ix.regex)+len(ix.userOrder)+len(ix.companyOrder) > 0
}

// Len returns the number of indexed rules.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.regex) + len(ix.userOrder) + len(ix.companyOrder)
}
