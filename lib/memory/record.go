package memory

import "time"

// Record is one stored memory.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a search hit.
type Match struct {
	Record
	Score float32 `json:"score"`
}

// Texts returns the text of each record, in order.
func Texts(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Text
	}
	return out
}

// MatchTexts returns the text of each match, in order.
func MatchTexts(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Text
	}
	return out
}
