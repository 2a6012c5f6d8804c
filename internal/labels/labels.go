// Package labels centralizes the GitHub label vocabulary from spec §6 so
// every component that reads or writes labels agrees on the exact strings.
package labels

const (
	Issue             = "loom:issue"             // ready
	Building          = "loom:building"          // claimed
	Blocked           = "loom:blocked"           // needs intervention
	Curated           = "loom:curated"           // curator ran
	Abort             = "loom:abort"             // stop this shepherd
	FailedBuilder     = "loom:failed:builder"
	FailedJudge       = "loom:failed:judge"
	FailedDoctor      = "loom:failed:doctor"
	ReviewRequested   = "loom:review-requested" // builder created PR
	ChangesRequested  = "loom:changes-requested" // judge rejected
	PR                = "loom:pr"                // judge approved
	MergeConflict     = "loom:merge-conflict"    // rebase failed
	Proposal          = "loom:proposal"          // awaiting promotion to loom:issue
)

// FailedLabelForPhase returns the contract-violation label for a phase name,
// or "" if that phase has no associated failure label (spec §4.8.1).
func FailedLabelForPhase(phase string) string {
	switch phase {
	case "builder":
		return FailedBuilder
	case "judge":
		return FailedJudge
	case "doctor":
		return FailedDoctor
	default:
		return ""
	}
}
