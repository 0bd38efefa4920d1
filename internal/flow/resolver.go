// Package flow provides conditional field resolution: which fields of an
// item are currently applicable given the values collected so far, and how
// deeply nested the item's conditional dependencies are.
package flow

import (
	"strconv"
	"strings"

	"github.com/pepeccz/msi-a-sub002/internal/models"
)

// ApplicableFields computes the subset of defs that currently applies. A
// field applies when it has no condition, or when its dependency field has
// been collected and the comparison holds. A field whose dependency value is
// missing is never returned.
func ApplicableFields(defs []models.FieldDefinition, collected map[string]string) []models.FieldDefinition {
	var applicable []models.FieldDefinition
	for _, def := range defs {
		if def.Condition == nil {
			applicable = append(applicable, def)
			continue
		}
		value, ok := collected[def.Condition.Field]
		if !ok {
			continue
		}
		if conditionHolds(def.Condition, value) {
			applicable = append(applicable, def)
		}
	}
	return applicable
}

// MissingRequired returns the keys of applicable required fields that have
// no collected value, in definition order.
func MissingRequired(defs []models.FieldDefinition, collected map[string]string) []string {
	var missing []string
	for _, def := range ApplicableFields(defs, collected) {
		if !def.Required {
			continue
		}
		if _, ok := collected[def.Key]; !ok {
			missing = append(missing, def.Key)
		}
	}
	return missing
}

// DependencyDepth classifies an item's conditional dependency graph:
// 0 means no conditional fields, 1 means every conditional field depends on
// an unconditional one, and values above 1 mean nested conditionals (a
// conditional field whose dependency is itself conditional). Depth above 1
// forces sequential collection in the planner.
//
// The graph is validated acyclic at catalog load time, so the walk needs no
// cycle guard beyond a visited cap.
func DependencyDepth(defs []models.FieldDefinition) int {
	byKey := make(map[string]*models.FieldDefinition, len(defs))
	for i := range defs {
		byKey[defs[i].Key] = &defs[i]
	}

	memo := make(map[string]int, len(defs))
	var depthOf func(key string, guard int) int
	depthOf = func(key string, guard int) int {
		if guard > len(defs) {
			return guard // malformed catalog slipped through; treat as deeply nested
		}
		if d, ok := memo[key]; ok {
			return d
		}
		def, ok := byKey[key]
		if !ok || def.Condition == nil {
			memo[key] = 0
			return 0
		}
		d := 1 + depthOf(def.Condition.Field, guard+1)
		memo[key] = d
		return d
	}

	max := 0
	for i := range defs {
		if d := depthOf(defs[i].Key, 0); d > max {
			max = d
		}
	}
	return max
}

// conditionHolds evaluates a condition against a collected dependency value.
// Equality comparisons are case-insensitive; ordering comparisons are
// numeric and fail closed when either side does not parse.
func conditionHolds(cond *models.FieldCondition, value string) bool {
	switch cond.Operator {
	case models.OperatorEquals:
		return strings.EqualFold(value, cond.Value)
	case models.OperatorNotEquals:
		return !strings.EqualFold(value, cond.Value)
	case models.OperatorGreaterThan, models.OperatorLessThan:
		left, errL := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
		right, errR := strconv.ParseFloat(cond.Value, 64)
		if errL != nil || errR != nil {
			return false
		}
		if cond.Operator == models.OperatorGreaterThan {
			return left > right
		}
		return left < right
	default:
		return false
	}
}
