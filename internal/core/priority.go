package core

import (
	"strings"

	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// priorityKeywords are checked in order; the first tier with a match wins.
var priorityKeywords = []struct {
	priority models.Priority
	words    []string
}{
	{models.PriorityCritical, []string{"urgent", "asap", "emergency", "help", "critical"}},
	{models.PriorityHigh, []string{"invoice", "payment", "deadline", "due", "important"}},
	{models.PriorityLow, []string{"newsletter", "unsubscribe", "promotion", "offer"}},
}

// ClassifyPriority assigns a priority from keywords found in the given texts.
func ClassifyPriority(texts ...string) models.Priority {
	joined := strings.ToLower(strings.Join(texts, " "))
	for _, tier := range priorityKeywords {
		for _, w := range tier.words {
			if strings.Contains(joined, w) {
				return tier.priority
			}
		}
	}
	return models.PriorityNormal
}
