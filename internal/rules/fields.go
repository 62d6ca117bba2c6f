package rules

import (
	"fmt"
	"net/url"
	"strings"

	"api-governance-agent/internal/event"
)

// Path names a field a condition can test.
type Path string

const (
	PathVerb          Path = "request.verb"
	PathIPAddress     Path = "request.ip_address"
	PathRoute         Path = "request.route"
	PathOperationName Path = "request.body.operationName"
	PathStatus        Path = "response.status"
)

// bodyPrefix paths are looked up directly in the parsed request body.
const bodyPrefix = "request.body."

type accessor func(*event.Event) (any, bool)

var accessors = map[Path]accessor{
	PathVerb: func(e *event.Event) (any, bool) {
		return nonEmpty(e.Request.Verb)
	},
	PathIPAddress: func(e *event.Event) (any, bool) {
		return nonEmpty(e.Request.IPAddress)
	},
	PathRoute: func(e *event.Event) (any, bool) {
		if e.Request.URI == "" {
			return nil, false
		}
		return route(e.Request.URI), true
	},
	PathOperationName: func(e *event.Event) (any, bool) {
		v, ok := e.RequestBody()["operationName"]
		return v, ok && v != nil
	},
	PathStatus: func(e *event.Event) (any, bool) {
		if e.Response.Status == 0 {
			return nil, false
		}
		return e.Response.Status, true
	},
}

// route is the path component of a request URI, "/" when there is none.
func route(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func nonEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

// Fields is the flat view of a transaction that conditions are matched against.
type Fields struct {
	values map[Path]any
	body   map[string]any
}

// Extract derives the matchable fields of an event. A nil event yields no fields.
func Extract(ev *event.Event) Fields {
	f := Fields{values: make(map[Path]any, len(accessors))}
	if ev == nil {
		return f
	}
	f.body = ev.RequestBody()
	for p, get := range accessors {
		if v, ok := get(ev); ok {
			f.values[p] = v
		}
	}
	return f
}

// Lookup resolves a condition path. Unknown or missing paths report false.
func (f Fields) Lookup(path string) (any, bool) {
	if key, ok := strings.CutPrefix(path, bodyPrefix); ok {
		v, found := f.body[key]
		return v, found && v != nil
	}
	v, ok := f.values[Path(path)]
	return v, ok
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
