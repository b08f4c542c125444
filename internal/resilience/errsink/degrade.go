package errsink

import "github.com/Ladvien/codex-dreams-sub001/internal/core/domain"

// DegradationAction tells the pipeline what to do with a stage whose
// dependency keeps failing. Degradation is per-stage, never whole-system.
type DegradationAction string

const (
	DegradeDisableStage DegradationAction = "disable_stage"
	DegradeUseFallback  DegradationAction = "use_fallback"
	DegradeSkipBatch    DegradationAction = "skip_batch"
	DegradeHalt         DegradationAction = "halt"
)

// degradationKey scopes a policy to an error kind, optionally narrowed to a
// component. Component-specific entries win over kind-wide ones.
type degradationKey struct {
	kind      domain.ErrorKind
	component string
}

// DegradationTable maps exhausted failures to a degradation action.
type DegradationTable struct {
	rules map[degradationKey]DegradationAction
}

// NewDegradationTable builds the default policy table.
func NewDegradationTable() *DegradationTable {
	return &DegradationTable{
		rules: map[degradationKey]DegradationAction{
			{kind: domain.KindConnectionFailure}:  DegradeDisableStage,
			{kind: domain.KindTimeout}:            DegradeSkipBatch,
			{kind: domain.KindTransactionFailure}: DegradeSkipBatch,
			{kind: domain.KindResourceExhaustion}: DegradeHalt,
			{kind: domain.KindConfigurationError}: DegradeDisableStage,
			{kind: domain.KindSecurityViolation}:  DegradeDisableStage,
			{kind: domain.KindServiceUnavailable}: DegradeSkipBatch,

			// Inference is optional enrichment: fall back to raw rows rather
			// than dropping the stage.
			{kind: domain.KindConnectionFailure, component: "inference"}: DegradeUseFallback,
			{kind: domain.KindTimeout, component: "inference"}:           DegradeUseFallback,
			{kind: domain.KindServiceUnavailable, component: "inference"}: DegradeUseFallback,
		},
	}
}

// Set overrides the action for a kind+component pair. Empty component sets
// the kind-wide rule.
func (t *DegradationTable) Set(kind domain.ErrorKind, component string, action DegradationAction) {
	t.rules[degradationKey{kind: kind, component: component}] = action
}

// Decide returns the action for a failure of kind in component.
func (t *DegradationTable) Decide(kind domain.ErrorKind, component string) DegradationAction {
	if action, ok := t.rules[degradationKey{kind: kind, component: component}]; ok {
		return action
	}
	if action, ok := t.rules[degradationKey{kind: kind}]; ok {
		return action
	}
	return DegradeSkipBatch
}
