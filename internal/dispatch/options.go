package dispatch

import (
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"time"

	"github.com/mattjoyce/relay/internal/pattern"
)

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	id         string
	tx         string
	gate       bool
	ignoreGate bool
	fatal      bool
	closing    bool
	sync       bool
	timeout    time.Duration
	def        any
	hasDefault bool
	custom     map[string]any
}

// WithGate serializes this call and holds back later calls until it is done.
func WithGate() CallOption {
	return func(o *callOptions) { o.gate = true }
}

// WithUngate lets this call run while a gate is active.
func WithUngate() CallOption {
	return func(o *callOptions) { o.ignoreGate = true }
}

// WithIgnoreGate is WithUngate.
func WithIgnoreGate() CallOption {
	return WithUngate()
}

// WithTimeout overrides the instance call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithFatal escalates a failure of this call to the fatal handler.
func WithFatal() CallOption {
	return func(o *callOptions) { o.fatal = true }
}

// WithDefault is the result delivered when no action matches. It must be a
// map or a slice.
func WithDefault(v any) CallOption {
	return func(o *callOptions) { o.def, o.hasDefault = v, true }
}

// WithID sets the correlation id. Calls sharing an id are cached when the
// instance keeps history.
func WithID(id string) CallOption {
	return func(o *callOptions) { o.id = id }
}

// WithTx sets the transaction id.
func WithTx(tx string) CallOption {
	return func(o *callOptions) { o.tx = tx }
}

// WithCustomValues merges vals into the call tree's custom bag.
func WithCustomValues(vals map[string]any) CallOption {
	return func(o *callOptions) {
		if o.custom == nil {
			o.custom = make(map[string]any, len(vals))
		}
		maps.Copy(o.custom, vals)
	}
}

// withClosing marks shutdown-internal calls.
func withClosing() CallOption {
	return func(o *callOptions) { o.closing = true }
}

// WithAsyncReply marks a call answered out of band, as transports do for
// requests that name a reply address.
func WithAsyncReply() CallOption {
	return func(o *callOptions) { o.sync = false }
}

// resolveOptions reads control facts from msg and then applies opts, so
// explicit options win.
func resolveOptions(msg pattern.Message, opts []CallOption) (callOptions, error) {
	o := callOptions{sync: true}
	ctl := msg.Control()

	if v, ok := ctl["id"]; ok {
		o.id = pattern.Value(v)
	}
	if v, ok := ctl["tx"]; ok {
		o.tx = pattern.Value(v)
	}
	for name, dst := range map[string]*bool{
		"gate":       &o.gate,
		"ungate":     &o.ignoreGate,
		"ignoregate": &o.ignoreGate,
		"fatal":      &o.fatal,
		"closing":    &o.closing,
		"sync":       &o.sync,
	} {
		v, ok := ctl[name]
		if !ok {
			continue
		}
		b, err := asBool(v)
		if err != nil {
			return o, fmt.Errorf("%s%s: %w", name, pattern.ControlMarker, err)
		}
		if name == "ignoregate" || name == "ungate" {
			*dst = *dst || b
			continue
		}
		*dst = b
	}
	if v, ok := ctl["timeout"]; ok {
		d, err := asDuration(v)
		if err != nil {
			return o, fmt.Errorf("timeout%s: %w", pattern.ControlMarker, err)
		}
		o.timeout = d
	}
	if v, ok := ctl["default"]; ok {
		o.def, o.hasDefault = v, true
	}
	if v, ok := ctl["custom"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return o, fmt.Errorf("custom%s: want an object, got %T", pattern.ControlMarker, v)
		}
		o.custom = maps.Clone(m)
	}

	for _, opt := range opts {
		opt(&o)
	}
	return o, nil
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("want a boolean, got %T", v)
	}
}

// asDuration accepts milliseconds as a number or a duration string.
func asDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t * float64(time.Millisecond)), nil
	case string:
		if ms, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond)), nil
		}
		return time.ParseDuration(t)
	default:
		return 0, fmt.Errorf("want milliseconds or a duration, got %T", v)
	}
}

// isObjArr reports whether v is a map, slice or array.
func isObjArr(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return true
	case reflect.Pointer:
		k := reflect.TypeOf(v).Elem().Kind()
		return k == reflect.Struct || k == reflect.Map
	case reflect.Struct:
		return true
	}
	return false
}
