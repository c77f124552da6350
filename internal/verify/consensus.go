package verify

// Consensus bar: an aggregate leaves PENDING only when volume, confidence and
// majority strength all clear their gates. Any one attacker, or a narrow
// majority, fails at least one of the three.
const (
	minConsensusCount = corroborationThreshold
	minConsensusScore = 60

	// majorityNumerator/majorityDenominator encode the required 2:1 split.
	majorityNumerator   = 2
	majorityDenominator = 1
)

// ConsensusDecision is the outcome of evaluating the consensus bar for one
// (provider, plan) pair after a submission or vote write.
type ConsensusDecision struct {
	Status      Status
	AcceptCount int
	RejectCount int
}

// DecideStatus evaluates the triple gate over the approved, non-expired
// submission set and the freshly computed confidence score.
func DecideStatus(submissions []Submission, score int) ConsensusDecision {
	decision := ConsensusDecision{Status: StatusUnknown}

	for _, submission := range approvedSubmissions(submissions) {
		if submission.Accepted {
			decision.AcceptCount++
		} else {
			decision.RejectCount++
		}
	}

	total := decision.AcceptCount + decision.RejectCount
	if total == 0 {
		return decision
	}
	decision.Status = StatusPending

	if total < minConsensusCount || score < minConsensusScore {
		return decision
	}

	if clearsMajority(decision.AcceptCount, decision.RejectCount) {
		decision.Status = StatusAccepted
	} else if clearsMajority(decision.RejectCount, decision.AcceptCount) {
		decision.Status = StatusRejected
	}
	return decision
}

// clearsMajority reports whether the majority side outnumbers the minority by
// at least the configured ratio. A zero minority always clears.
func clearsMajority(majority int, minority int) bool {
	return majority*majorityDenominator >= minority*majorityNumerator && majority > minority
}
