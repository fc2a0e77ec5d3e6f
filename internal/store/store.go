package store

import (
	"context"
	"errors"

	"github.com/joescharf/qadesk/internal/models"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a create collides with an existing
	// external id or email.
	ErrDuplicate = errors.New("duplicate")
)

// Helpdesk is the ticketing sink: the durable home of tracked users and
// tickets. Implemented remotely by zendesk.Client and locally by SQLiteStore.
type Helpdesk interface {
	// Users
	FindUserByExternalID(ctx context.Context, externalID string) (*models.TrackedUser, error)
	FindUserByEmail(ctx context.Context, email string) (*models.TrackedUser, error)
	SearchUsers(ctx context.Context, query string) ([]*models.TrackedUser, error)
	CreateUser(ctx context.Context, u *models.TrackedUser) (*models.TrackedUser, error)

	// Tickets
	FindTicketByExternalID(ctx context.Context, externalID string) (*models.TrackedTicket, error)
	SearchTickets(ctx context.Context, q models.TicketQuery) ([]*models.TrackedTicket, error)
	CreateTicket(ctx context.Context, t *models.TrackedTicket) (*models.TrackedTicket, error)
	UpdateTicket(ctx context.Context, id int64, u models.TicketUpdate) (*models.TrackedTicket, error)
}

// RunLog records pass executions.
type RunLog interface {
	CreateRun(ctx context.Context, r *models.Run) error
	FinishRun(ctx context.Context, r *models.Run) error
	ListRuns(ctx context.Context, pass models.Pass, limit int) ([]*models.Run, error)
}

// Store is the local persistence layer.
type Store interface {
	Helpdesk
	RunLog

	ListTickets(ctx context.Context, limit int) ([]*models.TrackedTicket, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
