package governance

import (
	"maps"

	"api-governance-agent/internal/event"
	"api-governance-agent/internal/rules"
)

// RuleType selects which subjects a rule targets.
type RuleType string

const (
	RuleTypeRegex   RuleType = "regex"
	RuleTypeUser    RuleType = "user"
	RuleTypeCompany RuleType = "company"
)

// AppliedTo is a rule's polarity toward its cohort.
type AppliedTo string

const (
	AppliedToMatching    AppliedTo = "matching"
	AppliedToNotMatching AppliedTo = "not_matching"
)

// Variable declares a {{name}} merge tag usable in a rule's response template.
type Variable struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type ResponseTemplate struct {
	Status  int            `json:"status,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Body    any            `json:"body,omitempty"`
}

// Rule is a governance rule as published by the backend. Rules are
// immutable once loaded and replaced wholesale on reload.
type Rule struct {
	ID                    string           `json:"_id"`
	Name                  string           `json:"name,omitempty"`
	Type                  RuleType         `json:"type"`
	AppliedTo             AppliedTo        `json:"applied_to,omitempty"`
	AppliedToUnidentified bool             `json:"applied_to_unidentified"`
	Block                 bool             `json:"block"`
	RegexConfig           []rules.Group    `json:"regex_config,omitempty"`
	Response              ResponseTemplate `json:"response"`
	Variables             []Variable       `json:"variables,omitempty"`
}

// exempting reports whether cohort membership exempts a subject from the rule.
func (r *Rule) exempting() bool { return r.AppliedTo == AppliedToNotMatching }

// CohortEntry names a rule whose cohort currently contains a subject,
// together with that subject's merge-tag values.
type CohortEntry struct {
	RuleID string            `json:"rules"`
	Values map[string]string `json:"values,omitempty"`
}

// Response is the part of an HTTP response governance may rewrite.
type Response struct {
	Status    int
	Headers   map[string]string
	Body      any
	BlockedBy string
}

func (r Response) clone() Response {
	r.Headers = maps.Clone(r.Headers)
	return r
}

// Transaction is the input to one governance decision.
type Transaction struct {
	Event          *event.Event
	Response       Response
	UserID         string
	CompanyID      string
	UserCohorts    []CohortEntry
	CompanyCohorts []CohortEntry
}
