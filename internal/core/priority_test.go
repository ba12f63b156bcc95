package core

import (
	"testing"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  models.Priority
	}{
		{"urgent subject", []string{"URGENT: server down"}, models.PriorityCritical},
		{"invoice in body", []string{"Hello", "please find the invoice attached"}, models.PriorityHigh},
		{"newsletter", []string{"Weekly newsletter"}, models.PriorityLow},
		{"nothing special", []string{"Lunch on Friday?"}, models.PriorityNormal},
		{"critical beats high", []string{"payment overdue, help"}, models.PriorityCritical},
		{"no text", nil, models.PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyPriority(tt.texts...); got != tt.want {
				t.Errorf("ClassifyPriority(%q) = %s, want %s", tt.texts, got, tt.want)
			}
		})
	}
}
