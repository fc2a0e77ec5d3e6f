// Package zendesk is the remote ticketing sink: a store.Helpdesk backed by
// the Zendesk API v2.
package zendesk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/qadesk/internal/apiclient"
	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/store"
)

// Client implements store.Helpdesk against one Zendesk instance.
type Client struct {
	api        *apiclient.Client
	baseURL    string
	importMode bool
}

// Option configures a Client.
type Option func(*Client)

// WithImportMode creates tickets through the ticket import endpoint so the
// question's creation time is kept as the ticket's created_at.
func WithImportMode(on bool) Option {
	return func(c *Client) { c.importMode = on }
}

// NewClient returns a Client for the instance at baseURL
// (e.g. https://example.zendesk.com). Credentials are attached by api.
func NewClient(api *apiclient.Client, baseURL string, opts ...Option) *Client {
	c := &Client{api: api, baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ store.Helpdesk = (*Client)(nil)

// --- wire types ---

type user struct {
	ID             int64             `json:"id,omitempty"`
	Name           string            `json:"name,omitempty"`
	Email          string            `json:"email,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	Role           string            `json:"role,omitempty"`
	Verified       bool              `json:"verified,omitempty"`
	RemotePhotoURL string            `json:"remote_photo_url,omitempty"`
	UserFields     map[string]string `json:"user_fields,omitempty"`
	CreatedAt      *time.Time        `json:"created_at,omitempty"`
}

type comment struct {
	HTMLBody string `json:"html_body"`
}

// importComment is a comment on the ticket import endpoint, which keeps the
// author and timestamp given by the caller.
type importComment struct {
	AuthorID  int64      `json:"author_id,omitempty"`
	HTMLBody  string     `json:"html_body"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type ticket struct {
	ID          int64           `json:"id,omitempty"`
	ExternalID  string          `json:"external_id,omitempty"`
	Subject     string          `json:"subject,omitempty"`
	Description string          `json:"description,omitempty"`
	Comment     *comment        `json:"comment,omitempty"`
	Comments    []importComment `json:"comments,omitempty"`
	RequesterID int64           `json:"requester_id,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Status      string          `json:"status,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	ResultType  string          `json:"result_type,omitempty"`
}

type userEnvelope struct {
	User user `json:"user"`
}

type usersEnvelope struct {
	Users []user `json:"users"`
}

type ticketEnvelope struct {
	Ticket ticket `json:"ticket"`
}

type ticketsEnvelope struct {
	Tickets []ticket `json:"tickets"`
}

type searchEnvelope struct {
	Results []ticket `json:"results"`
}

const profileField = "stackoverflow_profile"

func (u user) toModel() *models.TrackedUser {
	m := &models.TrackedUser{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		ExternalID: u.ExternalID,
		AvatarURL:  u.RemotePhotoURL,
		ProfileURL: u.UserFields[profileField],
		Role:       u.Role,
		Verified:   u.Verified,
	}
	if u.CreatedAt != nil {
		m.CreatedAt = u.CreatedAt.UTC()
	}
	return m
}

func (t ticket) toModel() *models.TrackedTicket {
	m := &models.TrackedTicket{
		ID:          t.ID,
		ExternalID:  t.ExternalID,
		Subject:     t.Subject,
		Body:        t.Description,
		RequesterID: t.RequesterID,
		Tags:        t.Tags,
		Status:      models.TicketStatus(t.Status),
	}
	if t.CreatedAt != nil {
		m.CreatedAt = t.CreatedAt.UTC()
	}
	return m
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + "/api/v2" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) call(ctx context.Context, method, rawURL string, body, out any) error {
	req, err := apiclient.NewJSONRequest(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	_, err = c.api.Do(ctx, req, out)
	return err
}

// --- users ---

func (c *Client) searchUsers(ctx context.Context, q url.Values) ([]user, error) {
	var env usersEnvelope
	if err := c.call(ctx, http.MethodGet, c.endpoint("/users/search.json", q), nil, &env); err != nil {
		return nil, err
	}
	return env.Users, nil
}

func (c *Client) FindUserByExternalID(ctx context.Context, externalID string) (*models.TrackedUser, error) {
	users, err := c.searchUsers(ctx, url.Values{"external_id": {externalID}})
	if err != nil {
		return nil, fmt.Errorf("find user external_id=%s: %w", externalID, err)
	}
	for _, u := range users {
		if u.ExternalID == externalID {
			return u.toModel(), nil
		}
	}
	return nil, fmt.Errorf("user external_id=%s: %w", externalID, store.ErrNotFound)
}

func (c *Client) FindUserByEmail(ctx context.Context, email string) (*models.TrackedUser, error) {
	email = strings.TrimSpace(email)
	users, err := c.searchUsers(ctx, url.Values{"query": {"type:user email:" + email}})
	if err != nil {
		return nil, fmt.Errorf("find user email=%s: %w", email, err)
	}
	for _, u := range users {
		if strings.EqualFold(u.Email, email) {
			return u.toModel(), nil
		}
	}
	return nil, fmt.Errorf("user email=%s: %w", email, store.ErrNotFound)
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]*models.TrackedUser, error) {
	users, err := c.searchUsers(ctx, url.Values{"query": {query}})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	out := make([]*models.TrackedUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.toModel())
	}
	return out, nil
}

func (c *Client) CreateUser(ctx context.Context, u *models.TrackedUser) (*models.TrackedUser, error) {
	role := u.Role
	if role == "" {
		role = models.UserRoleEndUser
	}
	payload := userEnvelope{User: user{
		Name:           u.Name,
		Email:          u.Email,
		ExternalID:     u.ExternalID,
		Role:           role,
		Verified:       u.Verified,
		RemotePhotoURL: u.AvatarURL,
	}}
	if u.ProfileURL != "" {
		payload.User.UserFields = map[string]string{profileField: u.ProfileURL}
	}

	var env userEnvelope
	if err := c.call(ctx, http.MethodPost, c.endpoint("/users.json", nil), payload, &env); err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("create user: %w", errors.Join(store.ErrDuplicate, err))
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	if env.User.ID == 0 {
		return nil, fmt.Errorf("create user: empty response")
	}
	return env.User.toModel(), nil
}

// --- tickets ---

func (c *Client) FindTicketByExternalID(ctx context.Context, externalID string) (*models.TrackedTicket, error) {
	var env ticketsEnvelope
	err := c.call(ctx, http.MethodGet, c.endpoint("/tickets.json", url.Values{"external_id": {externalID}}), nil, &env)
	if err != nil {
		return nil, fmt.Errorf("find ticket external_id=%s: %w", externalID, err)
	}
	for _, t := range env.Tickets {
		if t.ExternalID == externalID {
			return t.toModel(), nil
		}
	}
	return nil, fmt.Errorf("ticket external_id=%s: %w", externalID, store.ErrNotFound)
}

// SearchTickets renders q as a search query. Zendesk compares dates with
// coarser precision than the query carries, so callers that need an exact
// window filter the result again.
func (c *Client) SearchTickets(ctx context.Context, q models.TicketQuery) ([]*models.TrackedTicket, error) {
	var env searchEnvelope
	err := c.call(ctx, http.MethodGet, c.endpoint("/search.json", url.Values{"query": {SearchQuery(q)}}), nil, &env)
	if err != nil {
		return nil, fmt.Errorf("search tickets: %w", err)
	}
	out := make([]*models.TrackedTicket, 0, len(env.Results))
	for _, t := range env.Results {
		if t.ResultType != "" && t.ResultType != "ticket" {
			continue
		}
		out = append(out, t.toModel())
	}
	return out, nil
}

// SearchQuery renders a TicketQuery in Zendesk search syntax.
func SearchQuery(q models.TicketQuery) string {
	parts := []string{"type:ticket"}
	if q.Status != "" {
		parts = append(parts, "status:"+string(q.Status))
	}
	if q.RequesterEmail != "" {
		parts = append(parts, "requester:"+q.RequesterEmail)
	}
	if !q.CreatedAfter.IsZero() {
		parts = append(parts, "created>"+q.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !q.CreatedBefore.IsZero() {
		parts = append(parts, "created<"+q.CreatedBefore.UTC().Format(time.RFC3339))
	}
	return strings.Join(parts, " ")
}

// CreateTicket opens a ticket. In import mode the ticket and its first
// comment carry the question's posting time and the requester as author;
// otherwise the helpdesk stamps both with the time of the call.
func (c *Client) CreateTicket(ctx context.Context, t *models.TrackedTicket) (*models.TrackedTicket, error) {
	payload := ticketEnvelope{Ticket: ticket{
		ExternalID:  t.ExternalID,
		Subject:     t.Subject,
		RequesterID: t.RequesterID,
		Tags:        t.Tags,
		Status:      string(t.Status),
	}}
	path := "/tickets.json"
	if c.importMode {
		path = "/imports/tickets.json"
		var created *time.Time
		if !t.CreatedAt.IsZero() {
			ts := t.CreatedAt.UTC()
			created = &ts
		}
		payload.Ticket.CreatedAt = created
		payload.Ticket.Comments = []importComment{{
			AuthorID:  t.RequesterID,
			HTMLBody:  t.Body,
			CreatedAt: created,
		}}
	} else {
		payload.Ticket.Comment = &comment{HTMLBody: t.Body}
	}

	var env ticketEnvelope
	if err := c.call(ctx, http.MethodPost, c.endpoint(path, nil), payload, &env); err != nil {
		return nil, fmt.Errorf("create ticket external_id=%s: %w", t.ExternalID, err)
	}
	if env.Ticket.ID == 0 {
		return nil, fmt.Errorf("create ticket external_id=%s: empty response", t.ExternalID)
	}
	created := env.Ticket.toModel()
	if created.Body == "" {
		created.Body = t.Body
	}
	return created, nil
}

func (c *Client) UpdateTicket(ctx context.Context, id int64, u models.TicketUpdate) (*models.TrackedTicket, error) {
	payload := ticketEnvelope{Ticket: ticket{RequesterID: u.RequesterID, Tags: u.Tags}}

	var env ticketEnvelope
	path := "/tickets/" + strconv.FormatInt(id, 10) + ".json"
	if err := c.call(ctx, http.MethodPut, c.endpoint(path, nil), payload, &env); err != nil {
		if apiclient.IsNotFound(err) {
			return nil, fmt.Errorf("ticket %d: %w", id, errors.Join(store.ErrNotFound, err))
		}
		return nil, fmt.Errorf("update ticket %d: %w", id, err)
	}
	return env.Ticket.toModel(), nil
}

// isDuplicate reports a 422 naming a value that is already taken.
func isDuplicate(err error) bool {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "taken")
}
