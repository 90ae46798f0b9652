package trajectory

import "time"

// FailureReason is the per-positioner failure taxonomy from spec.md §4.6.
type FailureReason string

const (
	ReasonNotAcceptedNew  FailureReason = "NOT_ACCEPTED_NEW"
	ReasonNotAcceptedData FailureReason = "NOT_ACCEPTED_DATA"
	ReasonNotAcceptedEnd  FailureReason = "NOT_ACCEPTED_END"
	ReasonDidNotStart     FailureReason = "DID_NOT_START"
	ReasonDidNotReach     FailureReason = "DID_NOT_REACH"
	ReasonCollided        FailureReason = "COLLIDED"
	ReasonAborted         FailureReason = "ABORTED"
	ReasonInterfaceError  FailureReason = "INTERFACE_ERROR"
)

// FinalPosition is a positioner's measured (alpha, beta) at the time the
// report was produced.
type FinalPosition struct {
	Alpha, Beta float64
}

// Report is the best-effort diagnostic dump produced at the end of every
// trajectory, success or failure (spec.md §4.6 step 8).
type Report struct {
	StartTime         time.Time
	EndTime           time.Time
	FinalPositions    map[uint32]FinalPosition
	FailedPositioners map[uint32]FailureReason
	Succeeded         bool
}

// NewReport starts a report at StartTime; EndTime and the rest are filled in
// as the engine runs.
func NewReport(start time.Time) *Report {
	return &Report{
		StartTime:         start,
		FinalPositions:    make(map[uint32]FinalPosition),
		FailedPositioners: make(map[uint32]FailureReason),
	}
}

// Fail records a per-positioner failure reason; does not itself end the
// report (EndTime is set once by the caller when the operation concludes).
func (r *Report) Fail(id uint32, reason FailureReason) {
	r.FailedPositioners[id] = reason
}

// Finish stamps EndTime and the overall outcome. A report with any
// FailedPositioners entry is never Succeeded.
func (r *Report) Finish(end time.Time) {
	r.EndTime = end
	r.Succeeded = len(r.FailedPositioners) == 0
}
