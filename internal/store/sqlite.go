package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/qadesk/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
// Ticket and user timestamps are stored as unix seconds so range queries
// compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes the concurrent per-question goroutines and keeps the
	// existence check and the insert of one request on the same connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps "" to NULL so partial unique indexes ignore it.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// newULID uses the process-wide monotonic source so ids created in the
// same millisecond still sort in creation order.
func newULID() string {
	return ulid.Make().String()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

const userColumns = `id, name, email, external_id, avatar_url, profile_url, role, verified, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.TrackedUser, error) {
	u := &models.TrackedUser{}
	var email, externalID sql.NullString
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Name, &email, &externalID, &u.AvatarURL, &u.ProfileURL, &u.Role, &u.Verified, &createdAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.ExternalID = externalID.String
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return u, nil
}

func (s *SQLiteStore) findUser(ctx context.Context, column, value string) (*models.TrackedUser, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s=%s: %w", column, value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) FindUserByExternalID(ctx context.Context, externalID string) (*models.TrackedUser, error) {
	return s.findUser(ctx, "external_id", externalID)
}

func (s *SQLiteStore) FindUserByEmail(ctx context.Context, email string) (*models.TrackedUser, error) {
	return s.findUser(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// SearchUsers matches query against name and email.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string) ([]*models.TrackedUser, error) {
	like := "%" + strings.TrimSpace(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE name LIKE ? OR email LIKE ? ORDER BY id`, like, like)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*models.TrackedUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.TrackedUser) (*models.TrackedUser, error) {
	created := *u
	if created.Role == "" {
		created.Role = models.UserRoleEndUser
	}
	created.Email = strings.ToLower(strings.TrimSpace(created.Email))
	created.CreatedAt = time.Now().UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, external_id, avatar_url, profile_url, role, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		created.Name, nullable(created.Email), nullable(created.ExternalID), created.AvatarURL, created.ProfileURL,
		created.Role, boolToInt(created.Verified), created.CreatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("create user: %w", ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	created.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &created, nil
}

// --- Tickets ---

const ticketColumns = `t.id, t.external_id, t.subject, t.body, t.requester_id, t.tags, t.status, t.created_at`

func scanTicket(row interface{ Scan(...any) error }) (*models.TrackedTicket, error) {
	t := &models.TrackedTicket{}
	var externalID sql.NullString
	var tagsJSON, status string
	var createdAt int64
	if err := row.Scan(&t.ID, &externalID, &t.Subject, &t.Body, &t.RequesterID, &tagsJSON, &status, &createdAt); err != nil {
		return nil, err
	}
	t.ExternalID = externalID.String
	t.Status = models.TicketStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	return t, nil
}

func (s *SQLiteStore) scanTickets(ctx context.Context, query string, args ...any) ([]*models.TrackedTicket, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*models.TrackedTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) getTicket(ctx context.Context, id int64) (*models.TrackedTicket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets t WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) FindTicketByExternalID(ctx context.Context, externalID string) (*models.TrackedTicket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets t WHERE t.external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket external_id=%s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket by external id: %w", err)
	}
	return t, nil
}

// SearchTickets applies q with strict bounds on creation time.
func (s *SQLiteStore) SearchTickets(ctx context.Context, q models.TicketQuery) ([]*models.TrackedTicket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets t`
	var conditions []string
	var args []any

	if q.RequesterEmail != "" {
		query += ` JOIN users u ON u.id = t.requester_id`
		conditions = append(conditions, "u.email = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(q.RequesterEmail)))
	}
	if q.Status != "" {
		conditions = append(conditions, "t.status = ?")
		args = append(args, string(q.Status))
	}
	if !q.CreatedAfter.IsZero() {
		conditions = append(conditions, "t.created_at > ?")
		args = append(args, q.CreatedAfter.Unix())
	}
	if !q.CreatedBefore.IsZero() {
		conditions = append(conditions, "t.created_at < ?")
		args = append(args, q.CreatedBefore.Unix())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY t.created_at, t.id"

	return s.scanTickets(ctx, query, args...)
}

// ListTickets returns the most recently created tickets first.
func (s *SQLiteStore) ListTickets(ctx context.Context, limit int) ([]*models.TrackedTicket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets t ORDER BY t.created_at DESC, t.id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.scanTickets(ctx, query, args...)
}

// CreateTicket inserts t. The unique index on external_id makes this a
// conditional insert: a second ticket for the same question fails with
// ErrDuplicate instead of being stored.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *models.TrackedTicket) (*models.TrackedTicket, error) {
	created := *t
	if created.Status == "" {
		created.Status = models.TicketStatusNew
	}
	now := time.Now().UTC().Truncate(time.Second)
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.CreatedAt = created.CreatedAt.UTC().Truncate(time.Second)

	tagsJSON, err := json.Marshal(created.Tags)
	if err != nil || created.Tags == nil {
		tagsJSON = []byte("[]")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (external_id, subject, body, requester_id, tags, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(created.ExternalID), created.Subject, created.Body, created.RequesterID,
		string(tagsJSON), string(created.Status), created.CreatedAt.Unix(), now.Unix(),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("create ticket external_id=%s: %w", created.ExternalID, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	created.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return &created, nil
}

func (s *SQLiteStore) UpdateTicket(ctx context.Context, id int64, u models.TicketUpdate) (*models.TrackedTicket, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Unix()}
	if u.RequesterID != 0 {
		sets = append(sets, "requester_id = ?")
		args = append(args, u.RequesterID)
	}
	if u.Tags != nil {
		tagsJSON, err := json.Marshal(u.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return s.getTicket(ctx, id)
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, r *models.Run) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pass, started_at) VALUES (?, ?, ?)`,
		r.ID, string(r.Pass), r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, r *models.Run) error {
	if r.EndedAt == nil {
		now := time.Now().UTC()
		r.EndedAt = &now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at=?, fetched=?, created=?, skipped=?, failed=?, error=? WHERE id=?`,
		r.EndedAt, r.Fetched, r.Created, r.Skipped, r.Failed, r.Error, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the newest runs first. An empty pass lists all passes.
func (s *SQLiteStore) ListRuns(ctx context.Context, pass models.Pass, limit int) ([]*models.Run, error) {
	query := `SELECT id, pass, started_at, ended_at, fetched, created, skipped, failed, error FROM runs`
	var args []any
	if pass != "" {
		query += " WHERE pass = ?"
		args = append(args, string(pass))
	}
	// ULIDs sort by creation time.
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.Run
	for rows.Next() {
		r := &models.Run{}
		var pass string
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &pass, &r.StartedAt, &endedAt, &r.Fetched, &r.Created, &r.Skipped, &r.Failed, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Pass = models.Pass(pass)
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
