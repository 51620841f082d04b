// Package consistency compares a local business-profile record against a
// freshly fetched remote one and reports field-level conflicts, letting the
// caller decide whether a merge may proceed silently.
package consistency

import "sort"

// Severity classifies how serious a field conflict is
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict reports one tracked field holding differing non-empty values on
// both sides
type Conflict struct {
	Field       string   `json:"field"`
	LocalValue  string   `json:"local_value"`
	RemoteValue string   `json:"remote_value"`
	Severity    Severity `json:"severity"`
}

// Result is the outcome of a consistency comparison
type Result struct {
	IsConsistent bool       `json:"is_consistent"`
	Conflicts    []Conflict `json:"conflicts"`
}

// DefaultFieldSeverity maps business-profile fields to conflict severity:
// identity fields are high, contact details medium, descriptive copy low.
func DefaultFieldSeverity() map[string]Severity {
	return map[string]Severity{
		"name":          SeverityHigh,
		"store_code":    SeverityHigh,
		"category":      SeverityHigh,
		"address":       SeverityHigh,
		"phone":         SeverityMedium,
		"website":       SeverityMedium,
		"hours":         SeverityMedium,
		"description":   SeverityLow,
		"attributes":    SeverityLow,
		"special_hours": SeverityLow,
	}
}

// Compare reports a conflict for each tracked field where both sides hold a
// non-empty, differing value. It is a pure function: fields missing from
// the severity map are ignored, as is any field empty on either side.
func Compare(local, remote map[string]string, fieldSeverity map[string]Severity) Result {
	var conflicts []Conflict

	for field, severity := range fieldSeverity {
		localValue := local[field]
		remoteValue := remote[field]

		if localValue == "" || remoteValue == "" {
			continue
		}
		if localValue == remoteValue {
			continue
		}

		conflicts = append(conflicts, Conflict{
			Field:       field,
			LocalValue:  localValue,
			RemoteValue: remoteValue,
			Severity:    severity,
		})
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Field < conflicts[j].Field
	})

	return Result{
		IsConsistent: len(conflicts) == 0,
		Conflicts:    conflicts,
	}
}

// HighestSeverity returns the most severe conflict level in the result, or
// empty when the result is consistent
func (r Result) HighestSeverity() Severity {
	var highest Severity
	for _, c := range r.Conflicts {
		if rank(c.Severity) > rank(highest) {
			highest = c.Severity
		}
	}
	return highest
}

func rank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}
