package agent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/event"
)

const HeaderTransactionID = "X-Transaction-Id"

// Exchange is what hooks see of a transaction before it becomes an event.
type Exchange struct {
	Request *http.Request
	Status  int
	Header  http.Header
	Body    []byte
}

// Hooks customise identification and capture. Every hook is optional and a
// panicking hook is treated as if it were absent.
type Hooks struct {
	IdentifyUser    func(*Exchange) string
	IdentifyCompany func(*Exchange) string
	IdentifySession func(*Exchange) string
	GetMetadata     func(*Exchange) map[string]any
	Skip            func(*Exchange) bool
	MaskEvent       func(*event.Event) *event.Event
}

type Options struct {
	APIVersion           string
	LogBody              bool
	DisableTransactionID bool
	RefreshTimeout       time.Duration
	Hooks                Hooks
}

func DefaultOptions() Options {
	return Options{LogBody: true, RefreshTimeout: 10 * time.Second}
}

func callString(log zerolog.Logger, name string, fn func(*Exchange) string, x *Exchange) (s string) {
	if fn == nil {
		return ""
	}
	defer recoverHook(log, name, func() { s = "" })
	return fn(x)
}

func callMetadata(log zerolog.Logger, fn func(*Exchange) map[string]any, x *Exchange) (m map[string]any) {
	if fn == nil {
		return nil
	}
	defer recoverHook(log, "get_metadata", func() { m = nil })
	return fn(x)
}

func callSkip(log zerolog.Logger, fn func(*Exchange) bool, x *Exchange) (skip bool) {
	if fn == nil {
		return false
	}
	defer recoverHook(log, "skip", func() { skip = false })
	return fn(x)
}

// callMask returns ev unchanged if the hook is absent, panics or returns nil.
func callMask(log zerolog.Logger, fn func(*event.Event) *event.Event, ev *event.Event) (out *event.Event) {
	if fn == nil {
		return ev
	}
	defer recoverHook(log, "mask_event", func() { out = ev })
	if masked := fn(ev); masked != nil {
		return masked
	}
	return ev
}

func recoverHook(log zerolog.Logger, name string, reset func()) {
	if r := recover(); r != nil {
		log.Warn().Str("hook", name).Str("panic", fmt.Sprint(r)).Msg("hook panicked, ignoring it")
		reset()
	}
}
