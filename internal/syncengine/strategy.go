package syncengine

import (
	"reflect"

	"github.com/stormhq/stormvault/internal/domain"
)

// FieldDiff is the per-field outcome of a three-way comparison between
// the internal record, the external representation, and the baseline
// snapshot from the last completed sync.
type FieldDiff struct {
	InternalField string
	ExternalField string
	Internal      any
	External      any
	Baseline      any
	HasBaseline   bool
}

// Equal reports whether both sides already agree.
func (f FieldDiff) Equal() bool { return valueEqual(f.Internal, f.External) }

// InternalChanged reports whether the internal side moved since the
// baseline. Without a baseline every present value counts as changed.
func (f FieldDiff) InternalChanged() bool {
	if !f.HasBaseline {
		return f.Internal != nil
	}
	return !valueEqual(f.Internal, f.Baseline)
}

// ExternalChanged reports whether the external side moved since the
// baseline.
func (f FieldDiff) ExternalChanged() bool {
	if !f.HasBaseline {
		return f.External != nil
	}
	return !valueEqual(f.External, f.Baseline)
}

// Conflicting reports whether both sides changed to different values.
func (f FieldDiff) Conflicting() bool {
	return !f.Equal() && f.InternalChanged() && f.ExternalChanged()
}

// valueEqual compares decoded JSON values. Numeric types are normalized
// first: an int64 from the internal store and a float64 from a decoded
// response must compare equal.
func valueEqual(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Compare builds one diff per field mapping. The baseline is keyed by
// internal field name; a missing baseline map means a first sync.
func Compare(internal, external, baseline map[string]any, mappings []domain.FieldMapping) []FieldDiff {
	diffs := make([]FieldDiff, 0, len(mappings))
	for _, m := range mappings {
		diff := FieldDiff{
			InternalField: m.Internal,
			ExternalField: m.External,
			Internal:      internal[m.Internal],
			External:      external[m.External],
		}
		if baseline != nil {
			diff.Baseline, diff.HasBaseline = baseline[m.Internal], true
			if _, present := baseline[m.Internal]; !present {
				diff.HasBaseline = false
			}
		}
		diffs = append(diffs, diff)
	}
	return diffs
}

// Plan is the resolved outcome of a comparison: the writes each side
// needs plus any fields that require manual resolution.
type Plan struct {
	// InternalUpdates is keyed by internal field name.
	InternalUpdates map[string]any
	// ExternalUpdates is keyed by external field name.
	ExternalUpdates map[string]any
	// Conflicts lists internal field names needing manual resolution.
	Conflicts []string
}

func (p *Plan) pushInternal(d FieldDiff) {
	if p.InternalUpdates == nil {
		p.InternalUpdates = make(map[string]any)
	}
	p.InternalUpdates[d.InternalField] = d.External
}

func (p *Plan) pushExternal(d FieldDiff) {
	if p.ExternalUpdates == nil {
		p.ExternalUpdates = make(map[string]any)
	}
	p.ExternalUpdates[d.ExternalField] = d.Internal
}

// Resolve turns diffs into a plan for the given direction and conflict
// policy. Choices override the policy per internal field ("internal" or
// "external"); they come from an explicit resolve call on a conflicted
// job. Only fields that actually differ produce writes, which keeps a
// repeated sync with no changes a no-op on both sides.
func Resolve(diffs []FieldDiff, direction domain.SyncDirection, policy domain.ConflictResolution, choices map[string]string) Plan {
	var plan Plan
	for _, d := range diffs {
		if d.Equal() {
			continue
		}
		switch direction {
		case domain.SyncPush, domain.SyncPull:
			resolveDirected(&plan, d, direction, policy, choices)
		case domain.SyncBidirectional:
			resolveBidirectional(&plan, d, policy, choices)
		}
	}
	return plan
}

// resolveDirected plans a one-way sync. The receiving side is normally
// overwritten, but a field where both sides diverged from the baseline
// is still a conflict: the policy decides whether the receiving side
// keeps its own edit, and manual halts the field for explicit
// resolution. Without a baseline there is no way to tell edits apart,
// so a first sync always overwrites.
func resolveDirected(plan *Plan, d FieldDiff, direction domain.SyncDirection, policy domain.ConflictResolution, choices map[string]string) {
	overwrite := func() {
		if direction == domain.SyncPush {
			plan.pushExternal(d)
		} else {
			plan.pushInternal(d)
		}
	}
	if !d.HasBaseline || !d.Conflicting() {
		overwrite()
		return
	}

	if choice, ok := choices[d.InternalField]; ok {
		if sourceWins(direction, choice) {
			overwrite()
		}
		return
	}

	switch policy {
	case domain.ConflictInternalWins:
		if direction == domain.SyncPush {
			overwrite()
		}
		// Pull with internal_wins keeps the local edit: no write.
	case domain.ConflictExternalWins:
		if direction == domain.SyncPull {
			overwrite()
		}
		// Push with external_wins keeps the remote edit: no write.
	case domain.ConflictMerge:
		merged, ok := mergeValues(d.Internal, d.External)
		if !ok {
			// Scalars cannot be merged: fall back to the overwrite.
			overwrite()
			return
		}
		if direction == domain.SyncPush {
			plan.ExternalUpdatesSet(d.ExternalField, merged)
		} else {
			plan.InternalUpdatesSet(d.InternalField, merged)
		}
	default: // manual
		plan.Conflicts = append(plan.Conflicts, d.InternalField)
	}
}

// sourceWins reports whether an explicit choice selects the sync
// source's value for a one-way direction, which is the only case where
// the receiving side gets written.
func sourceWins(direction domain.SyncDirection, choice string) bool {
	if direction == domain.SyncPush {
		return choice == "internal"
	}
	return choice == "external"
}

func resolveBidirectional(plan *Plan, d FieldDiff, policy domain.ConflictResolution, choices map[string]string) {
	if !d.Conflicting() {
		// Only one side moved: propagate it.
		if d.InternalChanged() {
			plan.pushExternal(d)
		} else {
			plan.pushInternal(d)
		}
		return
	}

	if choice, ok := choices[d.InternalField]; ok {
		if choice == "internal" {
			plan.pushExternal(d)
		} else {
			plan.pushInternal(d)
		}
		return
	}

	switch policy {
	case domain.ConflictInternalWins:
		plan.pushExternal(d)
	case domain.ConflictExternalWins:
		plan.pushInternal(d)
	case domain.ConflictMerge:
		if merged, ok := mergeValues(d.Internal, d.External); ok {
			plan.InternalUpdatesSet(d.InternalField, merged)
			plan.ExternalUpdatesSet(d.ExternalField, merged)
		} else {
			// Scalars cannot be merged: the external copy wins.
			plan.pushInternal(d)
		}
	default: // manual
		plan.Conflicts = append(plan.Conflicts, d.InternalField)
	}
}

// InternalUpdatesSet records an internal write with an explicit value.
func (p *Plan) InternalUpdatesSet(field string, v any) {
	if p.InternalUpdates == nil {
		p.InternalUpdates = make(map[string]any)
	}
	p.InternalUpdates[field] = v
}

// ExternalUpdatesSet records an external write with an explicit value.
func (p *Plan) ExternalUpdatesSet(field string, v any) {
	if p.ExternalUpdates == nil {
		p.ExternalUpdates = make(map[string]any)
	}
	p.ExternalUpdates[field] = v
}

// mergeValues combines two structured values. Maps merge key-wise with
// the external copy winning overlaps; lists concatenate with duplicates
// removed. Scalars are not mergeable.
func mergeValues(internal, external any) (any, bool) {
	if im, ok := internal.(map[string]any); ok {
		if em, ok := external.(map[string]any); ok {
			out := make(map[string]any, len(im)+len(em))
			for k, v := range im {
				out[k] = v
			}
			for k, v := range em {
				out[k] = v
			}
			return out, true
		}
	}
	if il, ok := internal.([]any); ok {
		if el, ok := external.([]any); ok {
			out := make([]any, 0, len(il)+len(el))
			for _, v := range il {
				if !containsValue(out, v) {
					out = append(out, v)
				}
			}
			for _, v := range el {
				if !containsValue(out, v) {
					out = append(out, v)
				}
			}
			return out, true
		}
	}
	return nil, false
}

func containsValue(list []any, v any) bool {
	for _, e := range list {
		if valueEqual(e, v) {
			return true
		}
	}
	return false
}
