package services

import "errors"

var (
	// ErrInvalidRule marks a configuration error in a workflow rule. It is
	// surfaced synchronously at rule-save time, never during evaluation.
	ErrInvalidRule = errors.New("invalid rule configuration")

	// ErrVersionConflict is returned when an optimistic write lost against a
	// concurrent mutation and the retry budget is exhausted.
	ErrVersionConflict = errors.New("version conflict")

	// ErrClaimLost is returned when another sweep worker claimed an SLA row
	// first. Callers skip the row; this is not a failure.
	ErrClaimLost = errors.New("row claimed by another worker")

	ErrRuleNotFound  = errors.New("rule not found")
	ErrRiskNotFound  = errors.New("risk not found")
	ErrKRINotFound   = errors.New("kri not found")
	ErrEntityMissing = errors.New("entity snapshot not found")
)
