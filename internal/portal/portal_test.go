package portal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/store"
)

const alias = "portal@example.com"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParseForm(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Form
		tag  string
	}{
		{
			name: "standard form",
			body: "Name: Jane Doe\nEmail: jane@x.com\nAPI: Model Derivative\nHow do I translate?",
			want: Form{UsersName: "Jane Doe", UsersEmail: "jane@x.com", WhichAPI: "Model Derivative"},
			tag:  "model-derivative",
		},
		{
			name: "form field names",
			body: "User's Name: Jane Doe\nUser's_Email: jane@x.com\nWhich API: Model Derivative\nbody",
			want: Form{UsersName: "Jane Doe", UsersEmail: "jane@x.com", WhichAPI: "Model Derivative"},
			tag:  "model-derivative",
		},
		{
			name: "colon kept in value",
			body: "Users Name: Dr: Who\nUsers Email:  who@x.com \nWhich API: Viewer",
			want: Form{UsersName: "Dr: Who", UsersEmail: "who@x.com", WhichAPI: "Viewer"},
			tag:  "viewer",
		},
		{
			name: "fields past third line ignored",
			body: "intro\nmore\nUsers Name: Jane\nUsers Email: jane@x.com",
			want: Form{UsersName: "Jane"},
			tag:  "",
		},
		{
			name: "no colons",
			body: "just a message",
			want: Form{},
			tag:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseForm(tt.body)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.tag, got.Tag())
		})
	}
}

func TestParseForm_Keys(t *testing.T) {
	f := ParseForm("UsersName: Jane Doe\nUsersEmail: jane@x.com\nWhichAPI: Model Derivative\n...")
	assert.Equal(t, "Jane Doe", f.UsersName)
	assert.Equal(t, "jane@x.com", f.UsersEmail)
	assert.Equal(t, "Model Derivative", f.WhichAPI)
	assert.Equal(t, "model-derivative", f.Tag())
}

type fixture struct {
	store  *store.SQLiteStore
	alias  *models.TrackedUser
	ticket *models.TrackedTicket
}

func newFixture(t *testing.T, body string) fixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.CreateUser(ctx, &models.TrackedUser{Name: "Portal", Email: alias})
	require.NoError(t, err)
	tk, err := s.CreateTicket(ctx, &models.TrackedTicket{Subject: "form", Body: body, RequesterID: a.ID})
	require.NoError(t, err)
	return fixture{store: s, alias: a, ticket: tk}
}

const formBody = "Users Name: Jane Doe\nUsers Email: jane@x.com\nWhich API: Model Derivative\nHow do I translate a file?"

func TestRun_CreatesUserAndReassigns(t *testing.T) {
	fx := newFixture(t, formBody)
	ctx := context.Background()
	r := New(fx.store, alias, false, zerolog.Nop())

	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Found: 1, UsersCreated: 1, Updated: 1}, sum)

	jane, err := fx.store.FindUserByEmail(ctx, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", jane.Name)
	assert.True(t, jane.Verified)

	moved, err := fx.store.SearchTickets(ctx, models.TicketQuery{RequesterEmail: "jane@x.com"})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, fx.ticket.ID, moved[0].ID)
	assert.Equal(t, jane.ID, moved[0].RequesterID)
	assert.Equal(t, []string{"model-derivative"}, moved[0].Tags)

	sum, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

// racingSink misses the submitter on lookup but finds them already created.
type racingSink struct {
	*store.SQLiteStore
	lookups int
}

func (s *racingSink) FindUserByEmail(ctx context.Context, email string) (*models.TrackedUser, error) {
	s.lookups++
	if s.lookups == 1 {
		return nil, store.ErrNotFound
	}
	return s.SQLiteStore.FindUserByEmail(ctx, email)
}

func TestRun_DuplicateUserLeftForNextPass(t *testing.T) {
	fx := newFixture(t, formBody)
	ctx := context.Background()
	jane, err := fx.store.CreateUser(ctx, &models.TrackedUser{Name: "Jane", Email: "jane@x.com"})
	require.NoError(t, err)

	r := New(&racingSink{SQLiteStore: fx.store}, alias, false, zerolog.Nop())

	sum, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Found: 1, Skipped: 1}, sum)

	still, err := fx.store.SearchTickets(ctx, models.TicketQuery{RequesterEmail: alias})
	require.NoError(t, err)
	assert.Len(t, still, 1, "ticket stays with the alias until the next pass")

	sum, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Found: 1, Updated: 1}, sum)

	moved, err := fx.store.SearchTickets(ctx, models.TicketQuery{RequesterEmail: "jane@x.com"})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, jane.ID, moved[0].RequesterID)
}

func TestRun_ExistingUserReassignedImmediately(t *testing.T) {
	fx := newFixture(t, formBody)
	ctx := context.Background()
	jane, err := fx.store.CreateUser(ctx, &models.TrackedUser{Name: "Jane", Email: "jane@x.com"})
	require.NoError(t, err)

	sum, err := New(fx.store, alias, false, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	got, err := fx.store.SearchTickets(ctx, models.TicketQuery{RequesterEmail: "jane@x.com"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, jane.ID, got[0].RequesterID)
}

func TestRun_MissingEmailSkipped(t *testing.T) {
	fx := newFixture(t, "Users Name: Jane\nWhich API: Viewer\nno email here")
	ctx := context.Background()

	sum, err := New(fx.store, alias, false, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Found: 1, Skipped: 1}, sum)

	users, err := fx.store.SearchUsers(ctx, "Jane")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRun_DryRun(t *testing.T) {
	fx := newFixture(t, formBody)
	ctx := context.Background()
	_, err := fx.store.CreateUser(ctx, &models.TrackedUser{Name: "Jane", Email: "jane@x.com"})
	require.NoError(t, err)

	sum, err := New(fx.store, alias, true, zerolog.Nop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	still, err := fx.store.SearchTickets(ctx, models.TicketQuery{RequesterEmail: alias})
	require.NoError(t, err)
	assert.Len(t, still, 1)
}
