package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// MergePolicy controls how a field in the workflow state is updated when a
// node returns a partial state containing that field.
//
// The policy is declared once per field in the Schema and never varies per
// write. This is what makes concurrent fan-out merges well-defined: the
// engine does not need to know which node wrote a value, only what the
// field's policy is.
type MergePolicy int

const (
	// Overwrite replaces the existing value with the node's value.
	// Last writer wins within a single node's returned delta. Two nodes in
	// the same concurrent frontier must never both write an Overwrite field;
	// Compile rejects graphs that declare such a conflict.
	Overwrite MergePolicy = iota

	// Append concatenates the node's returned slice onto the existing slice.
	// Append fields must only ever be assigned sequence values. Because
	// concatenation from a concurrent frontier is applied element-wise and
	// branches never observe each other's output, the final contents are
	// independent of arrival order (set-equal across runs).
	Append
)

// String returns the policy name for diagnostics.
func (p MergePolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Reserved state fields maintained by the engine. Graph authors may read
// these from predicates and handlers but must not write them; the error-safe
// wrapper owns them.
const (
	// FieldErrorLog accumulates ErrorContext entries (Append policy).
	FieldErrorLog = "error_log"

	// FieldRecoveryAttempts is the count of contained critical node
	// failures in this run (Overwrite policy, engine-written only).
	FieldRecoveryAttempts = "recovery_attempts"

	// FieldShouldFallback is set true once the error budget is exhausted.
	// No further frontiers are scheduled after it is set.
	FieldShouldFallback = "should_fallback"

	// FieldTerminated records how the run ended: "complete" or "fallback".
	FieldTerminated = "terminated"
)

// Terminal values for FieldTerminated.
const (
	TerminatedComplete = "complete"
	TerminatedFallback = "fallback"
)

// State is the shared mutable data container passed between nodes.
//
// A State is a mapping from declared field name to value. Nodes receive a
// deep copy of the current state and return a partial State (only the fields
// they write); they never mutate the state they were given. The engine owns
// the authoritative State for the duration of one Run call and merges node
// deltas according to the Schema.
type State map[string]any

// Clone creates a deep copy of the state using a JSON round-trip.
//
// This works for any value that survives JSON marshaling: primitives,
// slices, maps, and structs with exported fields. Values that cannot be
// marshaled (channels, funcs) will fail, which also keeps checkpoint
// serialization honest: anything that can live in a State can be persisted.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if copied == nil {
		copied = State{}
	}
	return copied, nil
}

// ErrorLog returns the accumulated error entries, decoding from the generic
// slice representation the merge produces.
func (s State) ErrorLog() []ErrorContext {
	raw, ok := s[FieldErrorLog].([]any)
	if !ok {
		return nil
	}
	out := make([]ErrorContext, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case ErrorContext:
			out = append(out, v)
		case map[string]any:
			// Entries that round-tripped through Clone or a checkpoint store
			// come back as generic maps.
			var ec ErrorContext
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if err := json.Unmarshal(data, &ec); err != nil {
				continue
			}
			out = append(out, ec)
		}
	}
	return out
}

// RecoveryAttempts returns the contained critical failure count.
func (s State) RecoveryAttempts() int {
	switch v := s[FieldRecoveryAttempts].(type) {
	case int:
		return v
	case float64: // JSON round-trip
		return int(v)
	default:
		return 0
	}
}

// ShouldFallback reports whether the error budget has been exhausted.
func (s State) ShouldFallback() bool {
	v, _ := s[FieldShouldFallback].(bool)
	return v
}

// ErrorContext is one entry in the state's error log, appended by the
// error-safe wrapper on every caught node failure.
type ErrorContext struct {
	NodeID          string    `json:"node_id"`
	Kind            string    `json:"kind"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	RecoveryAttempt int       `json:"recovery_attempt"`

	// Critical is false for failures on best-effort fan-out branches.
	// Non-critical failures are logged but never count toward the budget.
	Critical bool `json:"critical"`
}

// Schema declares the full set of state fields and their merge policies.
//
// Every field a node writes must be declared; Compile validates node Writes
// lists against the schema. The engine's reserved fields are added
// automatically by NewSchema.
type Schema struct {
	policies map[string]MergePolicy
}

// NewSchema creates a Schema from the given field policies. The engine's
// reserved fields are merged in with their fixed policies.
func NewSchema(fields map[string]MergePolicy) *Schema {
	policies := make(map[string]MergePolicy, len(fields)+4)
	for name, p := range fields {
		policies[name] = p
	}
	policies[FieldErrorLog] = Append
	policies[FieldRecoveryAttempts] = Overwrite
	policies[FieldShouldFallback] = Overwrite
	policies[FieldTerminated] = Overwrite
	return &Schema{policies: policies}
}

// Policy returns the merge policy for a field and whether it is declared.
func (sc *Schema) Policy(field string) (MergePolicy, bool) {
	p, ok := sc.policies[field]
	return p, ok
}

// Fields returns the declared field names. Order is unspecified.
func (sc *Schema) Fields() []string {
	out := make([]string, 0, len(sc.policies))
	for name := range sc.policies {
		out = append(out, name)
	}
	return out
}

// Merge applies a node's partial state to the current state per field
// policy and returns the result. The current state is not mutated.
//
// Append fields require the delta value to be a sequence; any slice type is
// normalized to []any so checkpoint round-trips and in-memory merges agree.
// An Append delta that is not a sequence is a programming error and is
// reported so the wrapper can surface it as a node failure.
func (sc *Schema) Merge(current State, delta State) (State, error) {
	merged := make(State, len(current)+len(delta))
	for k, v := range current {
		merged[k] = v
	}
	for field, value := range delta {
		policy, ok := sc.policies[field]
		if !ok {
			return nil, fmt.Errorf("undeclared state field %q", field)
		}
		switch policy {
		case Overwrite:
			merged[field] = value
		case Append:
			items, err := toSlice(value)
			if err != nil {
				return nil, fmt.Errorf("append field %q: %w", field, err)
			}
			existing, err := toSlice(merged[field])
			if err != nil {
				return nil, fmt.Errorf("append field %q: %w", field, err)
			}
			combined := make([]any, 0, len(existing)+len(items))
			combined = append(combined, existing...)
			combined = append(combined, items...)
			merged[field] = combined
		}
	}
	return merged, nil
}

// toSlice normalizes any sequence value to []any. nil becomes an empty slice.
func toSlice(value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}
	if v, ok := value.([]any); ok {
		return v, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("value %T is not a sequence", value)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
