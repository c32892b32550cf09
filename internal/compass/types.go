package compass

import "time"

// Prompt is one daily reflection prompt. UserEngagement is present only when
// the prompt was fetched on behalf of a signed-in user.
type Prompt struct {
	ID             int64       `json:"id"`
	Title          string      `json:"title"`
	Body           string      `json:"body"`
	Explanation    string      `json:"explanation"`
	Tips           []string    `json:"tips"`
	Category       string      `json:"category"`
	Date           string      `json:"date,omitempty"`
	UserEngagement *Engagement `json:"userEngagement,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (p *Prompt) Clone() *Prompt {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Tips != nil {
		cp.Tips = append([]string(nil), p.Tips...)
	}
	if p.UserEngagement != nil {
		e := p.UserEngagement.Clone()
		cp.UserEngagement = &e
	}
	return &cp
}

// Engagement is the signed-in user's interaction with a prompt.
type Engagement struct {
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Reflection  string     `json:"reflection,omitempty"`
	Rating      int        `json:"rating,omitempty"` // 1-5, 0 when unset
	ViewedAt    *time.Time `json:"viewedAt,omitempty"`
	IsExpanded  bool       `json:"isExpanded"`
}

func (e Engagement) Clone() Engagement {
	cp := e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.ViewedAt != nil {
		t := *e.ViewedAt
		cp.ViewedAt = &t
	}
	return cp
}

// SortKey orders a prompt collection.
type SortKey string

const (
	SortByDate       SortKey = "date"
	SortByPopularity SortKey = "popularity"
)

// Filters narrows a prompt collection query. Zero values mean "no filter".
type Filters struct {
	Category string
	Search   string
	SortBy   SortKey
}

// PromptCollection is one page of historical prompts.
type PromptCollection struct {
	Prompts     []Prompt `json:"prompts"`
	TotalCount  int      `json:"totalCount"`
	Categories  []string `json:"categories"`
	CurrentPage int      `json:"currentPage"`
	TotalPages  int      `json:"totalPages"`
}

// HistoryEntry is one day in a user's streak history.
type HistoryEntry struct {
	Date      string `json:"date"` // YYYY-MM-DD in the backend's timezone
	PromptID  int64  `json:"promptId"`
	Completed bool   `json:"completed"`
}

// UserStreak is the server-owned streak record. The client never increments
// it locally.
type UserStreak struct {
	CurrentStreak     int            `json:"currentStreak"`
	LongestStreak     int            `json:"longestStreak"`
	LastCompletedDate string         `json:"lastCompletedDate,omitempty"`
	StreakHistory     []HistoryEntry `json:"streakHistory"`
}

func (s *UserStreak) Clone() *UserStreak {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StreakHistory != nil {
		cp.StreakHistory = append([]HistoryEntry(nil), s.StreakHistory...)
	}
	return &cp
}

// EngagementInput is the payload for recording an engagement.
type EngagementInput struct {
	PromptID    int64      `json:"-"`
	Completed   bool       `json:"completed"`
	Reflection  string     `json:"reflection,omitempty"`
	Rating      int        `json:"rating,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
