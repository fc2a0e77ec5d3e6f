package models

import "time"

// TicketStatus represents the helpdesk state of a ticket.
type TicketStatus string

const (
	TicketStatusNew     TicketStatus = "new"
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusPending TicketStatus = "pending"
	TicketStatusSolved  TicketStatus = "solved"
	TicketStatusClosed  TicketStatus = "closed"
)

// TrackedTicket is a helpdesk ticket. Tickets created from questions carry the
// question id as ExternalID; pure form tickets have none.
type TrackedTicket struct {
	ID          int64
	ExternalID  string
	Subject     string
	Body        string
	RequesterID int64
	Tags        []string
	Status      TicketStatus
	CreatedAt   time.Time
}

// TicketUpdate carries the fields a reconciliation pass may change on an
// existing ticket. Nil/empty fields are left untouched.
type TicketUpdate struct {
	RequesterID int64
	Tags        []string
}

// TicketQuery selects tickets for the reconciliation and SLA passes.
// Zero-valued fields do not constrain the result.
type TicketQuery struct {
	Status         TicketStatus
	RequesterEmail string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}
