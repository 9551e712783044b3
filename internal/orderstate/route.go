package orderstate

import "github.com/sells-group/order-cli/internal/model"

// Decision is where a merged order goes next.
type Decision string

const (
	DecisionAutoProcess Decision = "auto_process"
	DecisionReview      Decision = "review"
	DecisionManual      Decision = "manual"
)

// Routing thresholds on the numeric confidence score.
const (
	AutoProcessMin = 0.95
	ReviewMin      = 0.80
)

// Routing explains a routing decision.
type Routing struct {
	Decision        Decision `json:"decision"`
	ConfidenceScore float64  `json:"confidence_score"`
	Reason          string   `json:"reason"`
}

// Route decides how a state should be handled after a merge. Pending
// clarifications always go to a human.
func Route(state *model.CumulativeOrderState) Routing {
	score := state.OverallConfidence.Score()
	switch {
	case state.RequiresClarification:
		return Routing{Decision: DecisionManual, ConfidenceScore: score, Reason: "clarification required"}
	case score >= AutoProcessMin:
		return Routing{Decision: DecisionAutoProcess, ConfidenceScore: score, Reason: "high confidence"}
	case score >= ReviewMin:
		return Routing{Decision: DecisionReview, ConfidenceScore: score, Reason: "confidence needs review"}
	default:
		return Routing{Decision: DecisionManual, ConfidenceScore: score, Reason: "confidence below review threshold"}
	}
}
