package oracle

// Quorum reasons surfaced to callers. Operator rejections pass through the
// aggregate unmodified when the quorum fails.
const (
	ReasonConsensusReached      = "consensus reached"
	ReasonInsufficientConsensus = "insufficient operator consensus"
)

// OperatorVote is a single operator's answer to a validation query.
type OperatorVote struct {
	OperatorID string `json:"operator_id"`
	Approve    bool   `json:"approve"`
	Reason     string `json:"reason,omitempty"`
}

// QuorumResult is the aggregate of a scatter-gather round.
type QuorumResult struct {
	Validated bool
	Reason    string
	Approvals int
	Votes     []OperatorVote
}

// Aggregate combines operator votes against a threshold (e.g. 2 of 3).
// With approvals >= threshold the result is validated with reason
// "consensus reached"; otherwise the reason is "insufficient operator
// consensus" unless a dissenting operator supplied a specific reason, which
// then takes precedence so the caller sees the authoritative cause.
func Aggregate(votes []OperatorVote, threshold int) QuorumResult {
	res := QuorumResult{Votes: votes}

	var dissent string
	for _, v := range votes {
		if v.Approve {
			res.Approvals++
		} else if dissent == "" && v.Reason != "" {
			dissent = v.Reason
		}
	}

	if threshold > 0 && res.Approvals >= threshold {
		res.Validated = true
		res.Reason = ReasonConsensusReached
		return res
	}

	res.Reason = ReasonInsufficientConsensus
	if dissent != "" {
		res.Reason = dissent
	}
	return res
}
