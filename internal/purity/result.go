// Package purity provides the purity classification model and the
// bottom-up property propagator for puretrace.
//
// A function's intrinsic result is computed from its own body alone by the
// language analyzers; the propagator folds those intrinsic results over the
// SCC schedule, merging callee classifications with confidence decay and a
// configurable cycle policy.
package purity

// Level is the propagated purity classification of a function.
type Level string

const (
	// Pure means no observed side effects in the function or any
	// resolved transitive callee.
	Pure Level = "pure"

	// Impure means the function, or something it calls, has a side
	// effect.
	Impure Level = "impure"

	// UnknownLevel means no classification could be made, typically
	// because the intrinsic analysis failed for this function.
	UnknownLevel Level = "unknown"
)

// ReasonKind discriminates the Reason variants.
type ReasonKind string

const (
	// ReasonIntrinsic: the classification comes from the function body
	// alone (leaf function, or propagation disabled).
	ReasonIntrinsic ReasonKind = "intrinsic"

	// ReasonPropagated: a pure classification inferred through Depth
	// levels of pure dependencies.
	ReasonPropagated ReasonKind = "propagated_from_deps"

	// ReasonSideEffect: an intrinsic side effect, or impurity propagated
	// from a dependency; Detail names the cause.
	ReasonSideEffect ReasonKind = "side_effect"

	// ReasonCyclic: the function is part of a recursive SCC;
	// WithSideEffects records whether any member had an intrinsic side
	// effect.
	ReasonCyclic ReasonKind = "cyclic"

	// ReasonUnknownDeps: the function looks pure but calls
	// UnknownCount unresolved targets, so confidence is penalized.
	ReasonUnknownDeps ReasonKind = "unknown_dependency"
)

// Reason explains a classification. Exactly one variant applies, selected
// by Kind; the other fields are meaningful only for their variant.
type Reason struct {
	Kind ReasonKind

	// Depth is the propagation depth for ReasonPropagated (1 = direct
	// callees only).
	Depth int `json:",omitempty"`

	// Detail names the side effect for ReasonSideEffect.
	Detail string `json:",omitempty"`

	// WithSideEffects is set for ReasonCyclic.
	WithSideEffects bool `json:",omitempty"`

	// UnknownCount is the number of unresolved callees for
	// ReasonUnknownDeps.
	UnknownCount int `json:",omitempty"`
}

// PropertyResult is the propagated classification of one function.
type PropertyResult struct {
	// Level is the classification.
	Level Level

	// Confidence is in [floor, 1.0]; the configured floor is strictly
	// positive so a real result is never confused with absent data.
	Confidence float64

	// Reason explains how the classification was reached.
	Reason Reason

	// Depth is the number of inference levels separating this result
	// from direct intrinsic evidence (0 for leaves).
	Depth int
}

// SideEffectKind classifies an intrinsic violation, following the original
// purity taxonomy: I/O, external state mutation, non-determinism, or a call
// to a known-impure routine.
type SideEffectKind string

const (
	EffectIO            SideEffectKind = "io"
	EffectStateMutation SideEffectKind = "state_mutation"
	EffectNonDeterm     SideEffectKind = "non_deterministic"
	EffectImpureCall    SideEffectKind = "impure_call"
)

// SideEffect is one intrinsic purity violation found in a function body.
type SideEffect struct {
	// Kind classifies the violation.
	Kind SideEffectKind

	// Detail is a short human-readable description, e.g. "calls fmt.Println".
	Detail string

	// Line is the 1-based source line, 0 when unknown.
	Line int
}

// IntrinsicResult is the per-function signal computed from the function
// body alone, ignoring callees.
type IntrinsicResult struct {
	// SideEffects lists the violations found in the body. Empty means
	// the body alone looks pure.
	SideEffects []SideEffect

	// Confidence is the analyzer's confidence in the intrinsic signal,
	// in (0, 1.0].
	Confidence float64

	// Err is set when the intrinsic analysis failed; the function
	// degrades to UnknownLevel without aborting the batch.
	Err error
}

// HasSideEffect reports whether any violation was found.
func (r IntrinsicResult) HasSideEffect() bool { return len(r.SideEffects) > 0 }

// FirstDetail returns the first violation's description, or "".
func (r IntrinsicResult) FirstDetail() string {
	if len(r.SideEffects) == 0 {
		return ""
	}
	return r.SideEffects[0].Detail
}
