package core

import (
	"testing"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.Stage
		want     bool
	}{
		{models.StageInbox, models.StageNeedsAction, true},
		{models.StageNeedsAction, models.StageInProgress, true},
		{models.StageInProgress, models.StageDone, true},
		{models.StageInProgress, models.StagePendingApproval, true},
		{models.StagePendingApproval, models.StageApproved, true},
		{models.StagePendingApproval, models.StageNeedsAction, true},
		{models.StageApproved, models.StageDone, true},
		{models.StageQuarantine, models.StageNeedsAction, true},

		{models.StageInbox, models.StageInProgress, false},
		{models.StageNeedsAction, models.StageDone, false},
		{models.StagePendingApproval, models.StageDone, false},
		{models.StageDone, models.StageNeedsAction, false},
		{models.StageRejected, models.StageNeedsAction, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range models.AllStages {
		want := s == models.StageDone || s == models.StageRejected
		if got := IsTerminal(s); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, want)
		}
	}
}
