package booking

import "bytes"

const (
	emergencyBonus = 100
	seniorBonus    = 50
	seniorAge      = 60
)

// Score computes a patient's queue priority: age (0 when unknown), plus 100
// for emergencies, plus 50 when the age is known and at least 60.
func Score(p *Patient) int {
	score := 0
	if p.Age != nil {
		score += *p.Age
	}
	if p.Category == CategoryEmergency {
		score += emergencyBonus
	}
	if p.Age != nil && *p.Age >= seniorAge {
		score += seniorBonus
	}
	return score
}

// ranksBefore is the promotion order: higher score first, then earlier
// request. The id comparison only settles identical timestamps.
func ranksBefore(a, b *QueueEntry) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// NextInLine returns the entry that should be promoted, or nil.
func NextInLine(entries []QueueEntry) *QueueEntry {
	var next *QueueEntry
	for i := range entries {
		if next == nil || ranksBefore(&entries[i], next) {
			next = &entries[i]
		}
	}
	return next
}

// Position is 1 plus the number of entries with a strictly greater score.
// Entries with equal scores share a position.
func Position(entry *QueueEntry, entries []QueueEntry) int {
	pos := 1
	for i := range entries {
		if entries[i].SlotID == entry.SlotID && entries[i].PriorityScore > entry.PriorityScore {
			pos++
		}
	}
	return pos
}
