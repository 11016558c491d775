package projection

import (
	"fmt"

	"clinicq/internal/models"
)

const (
	slotOpenHour  = 8
	slotCloseHour = 18
	slotStepMin   = 15
)

// AvailableSlots lists free consultation slots on a date. A slot is taken
// while any visit other than exceptID holds it and is not completed.
func AvailableSlots(visits []models.Visit, date, exceptID string) []string {
	occupied := make(map[string]bool)
	for _, visit := range visits {
		if visit.ID == exceptID || visit.Status == models.StatusCompleted {
			continue
		}
		if visit.PreferredDate == date && visit.PreferredTime != "" {
			occupied[visit.PreferredTime] = true
		}
	}

	var available []string
	for h := slotOpenHour; h < slotCloseHour; h++ {
		for m := 0; m < 60; m += slotStepMin {
			slot := fmt.Sprintf("%02d:%02d", h, m)
			if !occupied[slot] {
				available = append(available, slot)
			}
		}
	}
	return available
}
