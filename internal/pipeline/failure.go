package pipeline

import (
	"errors"
)

// FailureKind classifies why a row or batch dropped out of a run.
type FailureKind string

const (
	// FailurePrecondition aborts a whole batch before any generation.
	FailurePrecondition FailureKind = "precondition"
	// FailureStage is a failed or empty gateway call for one row.
	FailureStage FailureKind = "stage"
	// FailureParse is a gateway reply that could not be parsed.
	FailureParse FailureKind = "parse"
	// FailureSchedule covers slot assignment and persistence errors.
	FailureSchedule FailureKind = "schedule"
	// FailureInterrupted marks claimed rows left unprocessed by a cancelled run.
	FailureInterrupted FailureKind = "interrupted"
)

func classify(err error) FailureKind {
	if errors.Is(err, ErrUnparseable) {
		return FailureParse
	}
	return FailureStage
}
