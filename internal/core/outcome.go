package core

import "PoolLedger/internal/state"

// Rejection reasons outside the risk verdicts.
const (
	ReasonInvalidArgument = "invalid_argument"
	ReasonUnknownCommand  = "unknown_command"

	// ReasonDedupUnavailable: the durable dedup tier could not be reached.
	// Not recorded, so a retry is evaluated afresh.
	ReasonDedupUnavailable = "dedup_unavailable"
)

// Outcome is the engine's answer to one command. The external contract is
// Accepted; Reason and Sequence are for logs, metrics and idempotent replay.
type Outcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"` // empty when accepted
	Sequence int64  `json:"sequence"`         // commit sequence, -1 when rejected
}

func accepted(seq int64) Outcome {
	return Outcome{Accepted: true, Sequence: seq}
}

func rejected(reason string) Outcome {
	return Outcome{Accepted: false, Reason: reason, Sequence: -1}
}

func rejectedBy(v state.Verdict) Outcome {
	return rejected(v.String())
}
