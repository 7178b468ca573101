package model

import "fmt"

// StageKind enumerates the per-row positions inside a generation pass.
type StageKind int

const (
	StagePending StageKind = iota
	StageProfileDone
	StageAnglesDone
	StageMailDone
	StageErrored
)

func (k StageKind) String() string {
	switch k {
	case StagePending:
		return "pending"
	case StageProfileDone:
		return "profile_done"
	case StageAnglesDone:
		return "angles_done"
	case StageMailDone:
		return "mail_done"
	case StageErrored:
		return "errored"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// RowStage tracks one row through the pipeline. Reason is only set for
// StageErrored.
type RowStage struct {
	Kind   StageKind
	Reason string
}

// Pending is the stage every row starts in.
func Pending() RowStage { return RowStage{Kind: StagePending} }

// Advance returns the stage following a successful step.
func Advance(kind StageKind) RowStage { return RowStage{Kind: kind} }

// Errored returns a failed stage carrying reason.
func Errored(reason string) RowStage {
	return RowStage{Kind: StageErrored, Reason: reason}
}

// IsErrored reports whether the row dropped out of the pass.
func (s RowStage) IsErrored() bool { return s.Kind == StageErrored }

// GenerationResult is the outcome of one prompt sent to the gateway.
type GenerationResult struct {
	Success bool
	Content string
	Err     error
}

// Batch is an ordered slice of leads processed together.
type Batch struct {
	Leads  []Lead
	Number int // 1-based
	Total  int
}
