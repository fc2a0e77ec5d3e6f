package models

import "time"

// SourceUser is the owner of a question on the Q&A platform.
type SourceUser struct {
	UserID       int64
	DisplayName  string
	ProfileImage string
	Link         string
}

// SourceQuestion is a question fetched from the Q&A platform. It is read-only
// and discarded once the cycle that fetched it has mapped it.
type SourceQuestion struct {
	QuestionID  int64
	Title       string
	Body        string // HTML
	Link        string
	Tags        []string
	Owner       *SourceUser // nil when the owner account no longer exists
	CreatedAt   time.Time
	IsAnswered  bool
	AnswerCount int
}
