package core

import "github.com/valter-silva-au/digital-fte/pkg/models"

// allowedTransitions is the stage graph. Rejected and Done are terminal.
var allowedTransitions = map[models.Stage][]models.Stage{
	models.StageInbox:       {models.StageNeedsAction, models.StageQuarantine},
	models.StageNeedsAction: {models.StageInProgress, models.StageQuarantine},
	models.StageInProgress: {
		models.StageNeedsAction,
		models.StagePendingApproval,
		models.StageApproved,
		models.StageRejected,
		models.StageDone,
	},
	models.StagePendingApproval: {models.StageApproved, models.StageRejected, models.StageNeedsAction},
	models.StageApproved:        {models.StageDone},
	models.StageQuarantine:      {models.StageNeedsAction},
}

// CanTransition reports whether an item may move from one stage to another.
func CanTransition(from, to models.Stage) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the stage.
func IsTerminal(s models.Stage) bool {
	return len(allowedTransitions[s]) == 0
}
