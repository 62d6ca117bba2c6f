package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

// ErrMalformedCondition is returned for a condition whose pattern does not compile.
var ErrMalformedCondition = errors.New("malformed condition")

// Condition tests one field against a regular expression.
type Condition struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// Group matches when all of its conditions match.
type Group struct {
	Conditions []Condition `json:"conditions"`
}

type compiled struct {
	re  *regexp.Regexp
	err error
}

// patterns memoizes compilation; rule payloads repeat the same patterns on every reload.
var patterns sync.Map

func compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := patterns.Load(pattern); ok {
		c := v.(compiled)
		return c.re, c.err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		err = fmt.Errorf("%w: pattern %q: %v", ErrMalformedCondition, pattern, err)
	}
	patterns.Store(pattern, compiled{re: re, err: err})
	return re, err
}

// Evaluate reports whether any group matches the fields. No groups means
// unconditional. A malformed pattern fails only its own group; its error is
// returned when no other group matched.
func Evaluate(groups []Group, f Fields) (bool, error) {
	if len(groups) == 0 {
		return true, nil
	}
	var firstErr error
	for _, g := range groups {
		ok, err := g.evaluate(f)
		if ok {
			return true, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return false, firstErr
}

func (g Group) evaluate(f Fields) (bool, error) {
	for _, c := range g.Conditions {
		v, ok := f.Lookup(c.Path)
		if !ok || c.Value == "" {
			return false, nil
		}
		re, err := compile(c.Value)
		if err != nil {
			return false, err
		}
		if !re.MatchString(stringify(v)) {
			return false, nil
		}
	}
	return true, nil
}

// Matches is Evaluate with malformed patterns logged and treated as a non-match.
func Matches(groups []Group, f Fields, log zerolog.Logger) bool {
	ok, err := Evaluate(groups, f)
	if err != nil {
		log.Warn().Err(err).Msg("condition skipped")
	}
	return ok
}

// Validate compiles every pattern in groups and returns the first failure.
func Validate(groups []Group) error {
	for _, g := range groups {
		for _, c := range g.Conditions {
			if _, err := compile(c.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
