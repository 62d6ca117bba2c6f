package governance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// UnknownValue replaces a merge tag that has no bound value.
const UnknownValue = "UNKNOWN"

// ApplyRules folds rules over resp in order, so later rules win on conflicts.
// Merge-tag values for each rule come from the cohort entry carrying its id.
func ApplyRules(rs []*Rule, resp Response, entries []CohortEntry) Response {
	for _, r := range rs {
		resp = ApplyRule(resp, r, valuesFor(entries, r.ID))
	}
	return resp
}

// ApplyRule returns resp with one rule's template applied. Headers are
// merged for every rule; status and body are replaced only by blocking rules.
func ApplyRule(resp Response, r *Rule, values map[string]string) Response {
	out := resp.clone()

	if len(r.Response.Headers) > 0 {
		if out.Headers == nil {
			out.Headers = make(map[string]string, len(r.Response.Headers))
		}
		// keys are canonicalised so differently cased names are one header;
		// sorted so a template naming the same header twice resolves stably
		keys := make([]string, 0, len(r.Response.Headers))
		for k := range r.Response.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := substitute(r.Response.Headers[k], r.Variables, values)
			out.Headers[http.CanonicalHeaderKey(k)] = headerValue(v)
		}
	}

	if r.Block {
		if r.Response.Status != 0 {
			out.Status = r.Response.Status
		}
		out.Body = substitute(r.Response.Body, r.Variables, values)
		out.BlockedBy = r.ID
	}
	return out
}

func valuesFor(entries []CohortEntry, ruleID string) map[string]string {
	for _, e := range entries {
		if e.RuleID == ruleID {
			return e.Values
		}
	}
	return nil
}

// substitute replaces declared merge tags in strings, recursing into
// arrays and objects. Other values are returned unchanged.
func substitute(v any, vars []Variable, values map[string]string) any {
	switch t := v.(type) {
	case string:
		return replaceTags(t, vars, values)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substitute(e, vars, values)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = substitute(e, vars, values)
		}
		return out
	default:
		return v
	}
}

func replaceTags(s string, vars []Variable, values map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	for _, v := range vars {
		val, ok := values[v.Name]
		if !ok {
			val = UnknownValue
		}
		s = strings.ReplaceAll(s, "{{"+v.Name+"}}", val)
	}
	return s
}

func headerValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, int, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
