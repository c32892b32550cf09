// Package streak derives display-ready statistics from a user's streak record.
// Everything here is a pure function of its inputs.
package streak

import (
	"time"

	"github.com/kalambet/compass/internal/compass"
)

// minDenominator keeps a fresh streak from rendering as nearly full.
const minDenominator = 30

// Achievement is an unlocked badge.
type Achievement string

const (
	AchievementWeek         Achievement = "7-day streak"
	AchievementMonth        Achievement = "30-day streak"
	AchievementPersonalBest Achievement = "new personal best"
)

// Stats is the derived view of a UserStreak.
type Stats struct {
	CurrentStreak    int
	LongestStreak    int
	Percentage       float64
	TotalCompletions int
	Achievements     []Achievement
}

// Has reports whether a is unlocked.
func (s Stats) Has(a Achievement) bool {
	for _, x := range s.Achievements {
		if x == a {
			return true
		}
	}
	return false
}

// Derive computes Stats. A nil record yields the zero Stats.
func Derive(st *compass.UserStreak) Stats {
	if st == nil {
		return Stats{}
	}
	return Stats{
		CurrentStreak:    st.CurrentStreak,
		LongestStreak:    st.LongestStreak,
		Percentage:       Percentage(st.CurrentStreak, st.LongestStreak),
		TotalCompletions: TotalCompletions(st.StreakHistory),
		Achievements:     Achievements(st.CurrentStreak, st.LongestStreak),
	}
}

// Percentage is current / max(30, longest) * 100.
func Percentage(current, longest int) float64 {
	den := longest
	if den < minDenominator {
		den = minDenominator
	}
	return float64(current) / float64(den) * 100
}

// TotalCompletions counts completed history entries.
func TotalCompletions(history []compass.HistoryEntry) int {
	n := 0
	for _, h := range history {
		if h.Completed {
			n++
		}
	}
	return n
}

// Achievements returns the unlocked badges in a fixed order.
func Achievements(current, longest int) []Achievement {
	var out []Achievement
	if current >= 7 {
		out = append(out, AchievementWeek)
	}
	if current >= 30 {
		out = append(out, AchievementMonth)
	}
	if longest > 0 && current >= longest {
		out = append(out, AchievementPersonalBest)
	}
	return out
}

// Day is one cell of the completion calendar.
type Day struct {
	Date      string // YYYY-MM-DD
	Completed bool
}

// Calendar returns the last days calendar days ending at now (oldest first),
// marking the days the history records as completed.
func Calendar(history []compass.HistoryEntry, days int, now time.Time) []Day {
	if days <= 0 {
		return nil
	}
	done := make(map[string]bool, len(history))
	for _, h := range history {
		if h.Completed {
			done[normalizeDate(h.Date)] = true
		}
	}

	out := make([]Day, days)
	y, m, d := now.Date()
	for i := 0; i < days; i++ {
		date := time.Date(y, m, d-(days-1-i), 0, 0, 0, 0, now.Location()).Format(time.DateOnly)
		out[i] = Day{Date: date, Completed: done[date]}
	}
	return out
}

// normalizeDate accepts either a bare date or an RFC 3339 timestamp.
func normalizeDate(s string) string {
	if len(s) > len(time.DateOnly) {
		return s[:len(time.DateOnly)]
	}
	return s
}
