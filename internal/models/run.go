package models

import "time"

// Pass names a scheduled unit of work.
type Pass string

const (
	PassQuestions Pass = "questions"
	PassPortal    Pass = "portal"
	PassSLA       Pass = "sla"
)

// Passes lists every pass in scheduling order.
var Passes = []Pass{PassQuestions, PassPortal, PassSLA}

// Run records the outcome of one pass execution.
type Run struct {
	ID        string
	Pass      Pass
	StartedAt time.Time
	EndedAt   *time.Time
	Fetched   int
	Created   int
	Skipped   int
	Failed    int
	Error     string
}
