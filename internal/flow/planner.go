// Package flow provides the collection mode planner: how to batch the
// remaining questions for an item given its applicable fields and the
// nesting of its conditional dependencies.
package flow

import "github.com/pepeccz/msi-a-sub002/internal/models"

// CollectionMode is the question batching strategy for an item.
type CollectionMode string

const (
	// ModeSequential asks one field at a time.
	ModeSequential CollectionMode = "sequential"
	// ModeBatch asks all applicable fields in one message.
	ModeBatch CollectionMode = "batch"
	// ModeHybrid asks unconditional fields as a group first, then
	// conditional fields once their dependency values are known.
	ModeHybrid CollectionMode = "hybrid"
)

// Plan describes how to collect an item's remaining fields. BaseFields and
// ConditionalFields are only populated for ModeHybrid.
type Plan struct {
	Mode              CollectionMode
	ApplicableCount   int
	DependencyDepth   int
	BaseFields        []string
	ConditionalFields []string
}

// PlanMode chooses the collection mode from the applicable field count and
// the dependency depth. Deterministic and cheap: callers re-evaluate it on
// every turn because collected values change which fields are applicable.
func PlanMode(applicableCount, dependencyDepth int) CollectionMode {
	if dependencyDepth > 1 {
		// Nested conditionals force one-at-a-time collection regardless of count.
		return ModeSequential
	}
	if applicableCount == 0 {
		// Nothing to ask; trivially batchable.
		return ModeBatch
	}
	if applicableCount <= 2 {
		return ModeSequential
	}
	if dependencyDepth == 0 {
		return ModeBatch
	}
	return ModeHybrid
}

// BuildPlan resolves the applicable fields for defs against collected values
// and produces a full plan. Must be called fresh each turn, never cached.
func BuildPlan(defs []models.FieldDefinition, collected map[string]string) Plan {
	applicable := ApplicableFields(defs, collected)
	depth := DependencyDepth(defs)

	plan := Plan{
		Mode:            PlanMode(len(applicable), depth),
		ApplicableCount: len(applicable),
		DependencyDepth: depth,
	}

	if plan.Mode == ModeHybrid {
		for _, def := range applicable {
			if def.Condition == nil {
				plan.BaseFields = append(plan.BaseFields, def.Key)
			} else {
				plan.ConditionalFields = append(plan.ConditionalFields, def.Key)
			}
		}
	}
	return plan
}
