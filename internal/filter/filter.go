// Package filter implements the Filter Hook (spec.md §4.J): a single,
// deployment-configurable predicate over an envelope's payload context (or
// extras), applied identically on the live and replay paths.
package filter

// Predicate evaluates to true when the envelope should be dispatched, false
// to drop it. A nil Predicate is never constructed by callers directly —
// use Allow for the "always accept" default (§4.J: "When absent, evaluates
// to true").
type Predicate func(context, extras map[string]any) bool

// Allow is the default predicate: accepts everything.
func Allow(context, extras map[string]any) bool { return true }

// And combines predicates with a short-circuiting AND, for deployments that
// want to compose several independent rules (e.g. tenant + feature flag).
func And(predicates ...Predicate) Predicate {
	return func(context, extras map[string]any) bool {
		for _, p := range predicates {
			if !p(context, extras) {
				return false
			}
		}
		return true
	}
}

// ContextEquals returns a predicate that accepts only when context[key]
// equals want, using Go's == on the decoded JSON value. Matches the
// worked examples in spec.md (`context.tenant == "A"`).
func ContextEquals(key string, want any) Predicate {
	return func(context, extras map[string]any) bool {
		if context == nil {
			return false
		}
		got, ok := context[key]
		return ok && got == want
	}
}

// ExtrasEquals is ContextEquals' counterpart over the payload's top-level
// "extras" object.
func ExtrasEquals(key string, want any) Predicate {
	return func(context, extras map[string]any) bool {
		if extras == nil {
			return false
		}
		got, ok := extras[key]
		return ok && got == want
	}
}
