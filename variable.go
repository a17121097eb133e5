package flagkit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"weak"

	"github.com/dmitrymomot/flagkit/pkg/transport"
)

// Variable type tags, mirroring the config API's tags.
const (
	TypeString  = transport.TypeString
	TypeBoolean = transport.TypeBoolean
	TypeNumber  = transport.TypeNumber
	TypeJSON    = transport.TypeJSON
)

// Variable is a live handle onto one variable value. It stays in sync with
// configuration updates for as long as the caller keeps a reference to it;
// once unreferenced it is reclaimable and a later lookup for the same
// (key, default) pair builds a fresh one.
type Variable struct {
	key          string
	varType      string
	defaultValue any

	mu         sync.Mutex
	id         string
	value      any
	defaulted  bool
	evalReason string
	onUpdate   func(*Variable)
}

// Key returns the variable key this handle is bound to.
func (v *Variable) Key() string { return v.key }

// Type returns the variable's type tag: String, Boolean, Number or JSON.
func (v *Variable) Type() string { return v.varType }

// Value returns the current value: the bucketed one when present and
// type-compatible, the default otherwise. A handle never fails to produce a
// value.
func (v *Variable) Value() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// DefaultValue returns the default supplied at lookup time.
func (v *Variable) DefaultValue() any { return v.defaultValue }

// IsDefaulted reports whether the current value is the default rather than
// a bucketed one.
func (v *Variable) IsDefaulted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.defaulted
}

// EvalReason returns the server's evaluation reason, empty while defaulted.
func (v *Variable) EvalReason() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.evalReason
}

// OnUpdate registers a callback fired when a configuration update actually
// changes the value. It replaces any previously registered callback.
func (v *Variable) OnUpdate(callback func(*Variable)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onUpdate = callback
}

// StringValue returns the value as a string, falling back to the given
// default when the handle holds a different type.
func (v *Variable) StringValue() string {
	if s, ok := v.Value().(string); ok {
		return s
	}
	s, _ := v.defaultValue.(string)
	return s
}

// BoolValue returns the value as a bool.
func (v *Variable) BoolValue() bool {
	if b, ok := v.Value().(bool); ok {
		return b
	}
	b, _ := v.defaultValue.(bool)
	return b
}

// Float64Value returns the value as a float64. Integer defaults are
// converted; bucketed numbers always arrive as float64 from JSON decoding.
func (v *Variable) Float64Value() float64 {
	if f, ok := toFloat64(v.Value()); ok {
		return f
	}
	f, _ := toFloat64(v.defaultValue)
	return f
}

// apply updates the handle from a bucketed variable. A type mismatch leaves
// the handle untouched and reports false so the caller can degrade to the
// default path. The registered callback fires only when the value actually
// changed.
func (v *Variable) apply(cv transport.ConfigVariable) bool {
	if cv.Type != v.varType {
		return false
	}

	v.mu.Lock()
	changed := !reflect.DeepEqual(v.value, cv.Value)
	v.id = cv.ID
	v.value = cv.Value
	v.defaulted = false
	v.evalReason = cv.EvalReason
	callback := v.onUpdate
	v.mu.Unlock()

	if changed && callback != nil {
		callback(v)
	}
	return true
}

// resetToDefault puts the handle back on its default value. Already
// defaulted handles are left alone so the callback never fires twice for the
// same transition.
func (v *Variable) resetToDefault() {
	v.mu.Lock()
	if v.defaulted {
		v.mu.Unlock()
		return
	}
	v.id = ""
	v.value = v.defaultValue
	v.defaulted = true
	v.evalReason = ""
	callback := v.onUpdate
	v.mu.Unlock()

	if callback != nil {
		callback(v)
	}
}

// variableRegistry hands out stable handles per (key, default) pair and
// fans configuration updates out to every live handle. Handles are held
// through weak pointers on both sides, so dropping the last caller reference
// makes the handle reclaimable.
type variableRegistry struct {
	mu      sync.Mutex
	handles map[string]map[string]weak.Pointer[Variable]
	log     *slog.Logger
}

func newVariableRegistry(log *slog.Logger) *variableRegistry {
	return &variableRegistry{
		handles: make(map[string]map[string]weak.Pointer[Variable]),
		log:     log,
	}
}

// getOrCreate returns the live handle for (key, default) or constructs one
// initialized from the current config.
func (r *variableRegistry) getOrCreate(key string, defaultValue any, config *transport.BucketedConfig) (*Variable, error) {
	if key == "" {
		return nil, ErrEmptyVariableKey
	}
	varType, ok := variableTypeOf(defaultValue)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValueType, defaultValue)
	}

	digest := defaultDigest(varType, defaultValue)

	r.mu.Lock()
	defer r.mu.Unlock()

	byDefault, ok := r.handles[key]
	if !ok {
		byDefault = make(map[string]weak.Pointer[Variable])
		r.handles[key] = byDefault
	}
	if ref, ok := byDefault[digest]; ok {
		if existing := ref.Value(); existing != nil {
			return existing, nil
		}
	}

	v := &Variable{
		key:          key,
		varType:      varType,
		defaultValue: defaultValue,
		value:        defaultValue,
		defaulted:    true,
	}
	if config != nil {
		if cv, ok := config.Variables[key]; ok && !v.apply(cv) {
			r.log.Warn("bucketed variable type does not match default, using default",
				"key", key, "expected", varType, "got", cv.Type)
		}
	}

	byDefault[digest] = weak.Make(v)
	return v, nil
}

// broadcast applies a new config to every live handle. It runs strictly
// after the config has been cached and the client's current pointers
// swapped, so handles never observe a partially applied update. Nothing in
// this path panics or returns an error; inconsistencies degrade to the
// handle's default value.
func (r *variableRegistry) broadcast(config *transport.BucketedConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, byDefault := range r.handles {
		for digest, ref := range byDefault {
			v := ref.Value()
			if v == nil {
				// Reclaimed handle; drop the stale registration.
				delete(byDefault, digest)
				continue
			}
			cv, ok := config.Variables[key]
			if ok && v.apply(cv) {
				continue
			}
			if ok {
				r.log.Warn("bucketed variable type does not match handle, resetting to default",
					"key", key, "expected", v.varType, "got", cv.Type)
			}
			v.resetToDefault()
		}
		if len(byDefault) == 0 {
			delete(r.handles, key)
		}
	}
}

func toFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// variableTypeOf maps a Go default value onto the wire type tags.
func variableTypeOf(value any) (string, bool) {
	switch value.(type) {
	case string:
		return TypeString, true
	case bool:
		return TypeBoolean, true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return TypeNumber, true
	case map[string]any, []any, json.RawMessage:
		return TypeJSON, true
	default:
		return "", false
	}
}

// defaultDigest produces the map key identifying one default value. JSON
// defaults are not comparable in Go, so the serialized form stands in for
// the value itself.
func defaultDigest(varType string, value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		data = fmt.Appendf(nil, "%v", value)
	}
	return varType + ":" + string(data)
}
