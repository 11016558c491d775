package engine

import "clinicq/internal/models"

var transitionMap = map[string][]string{
	"assign":     {models.StatusWaiting},
	"start":      {models.StatusWaiting, models.StatusPaused, models.StatusInProgress},
	"pause":      {models.StatusInProgress},
	"complete":   {models.StatusInProgress},
	"no_show":    {models.StatusWaiting, models.StatusInProgress, models.StatusPaused},
	"cancel":     {models.StatusWaiting, models.StatusInProgress, models.StatusPaused},
	"reopen":     {models.StatusCompleted, models.StatusNoShow, models.StatusCancelled},
	"undo":       {models.StatusNoShow, models.StatusCancelled},
	"reschedule": {models.StatusWaiting, models.StatusInProgress, models.StatusPaused},
}

// ValidTransition reports whether the action may be applied to a visit in
// fromStatus. Guards beyond status (ownership, single-attending) live in the
// engine operations.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
