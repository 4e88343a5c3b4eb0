package domain

import "time"

// Decision is the conflict resolver's verdict for one mutation. It is a closed
// set so every call site has to handle all four outcomes.
type Decision int

const (
	// DecisionApply accepts the mutation for a transactional write.
	DecisionApply Decision = iota
	// DecisionIgnoreStale drops a mutation that lost last-write-wins ordering
	// or targets a tombstoned entity. Not an error: the client discards its
	// pending copy.
	DecisionIgnoreStale
	// DecisionIgnoreDuplicate marks an idempotent replay of an already
	// accepted create. The existing server record is returned unchanged.
	DecisionIgnoreDuplicate
	// DecisionRejectInvalidParent rejects a mutation whose target or parent
	// cannot be resolved to a live entity.
	DecisionRejectInvalidParent
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionIgnoreStale:
		return "ignore-stale"
	case DecisionIgnoreDuplicate:
		return "ignore-duplicate"
	case DecisionRejectInvalidParent:
		return "reject-invalid-parent"
	}
	return "unknown"
}

// Resolve decides whether an incoming mutation should be applied, given its
// operation, its logical timestamp, and the stored state of the target entity
// (nil when no row exists). It is pure: ordering is decided by timestamps,
// never by arrival order.
//
// Tombstones are permanent. A mutation whose timestamp precedes the deletion
// is stale, and re-creation under the same client id is not honoured either:
// resurrection is disabled, so every write against a tombstoned row resolves
// to ignore-stale.
func Resolve(op Op, updatedAt time.Time, state *EntityState) Decision {
	if state == nil {
		if op == OpCreate {
			return DecisionApply
		}
		return DecisionRejectInvalidParent
	}

	if state.IsDeleted() {
		return DecisionIgnoreStale
	}

	if op == OpCreate {
		return DecisionIgnoreDuplicate
	}

	if updatedAt.Before(state.UpdatedAt) {
		return DecisionIgnoreStale
	}

	return DecisionApply
}
