// Package stackexchange reads questions from the Stack Exchange API.
package stackexchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joescharf/qadesk/internal/apiclient"
	"github.com/joescharf/qadesk/internal/models"
)

const (
	pageSize = 100
	maxPages = 5
)

// Client fetches questions for one site.
type Client struct {
	api     *apiclient.Client
	baseURL string
	site    string
}

// NewClient returns a Client. The developer key, if any, is expected to be
// attached by api (apiclient.WithQueryParam("key", ...)).
func NewClient(api *apiclient.Client, baseURL, site string) *Client {
	return &Client{api: api, baseURL: baseURL, site: site}
}

type owner struct {
	UserID       int64  `json:"user_id"`
	UserType     string `json:"user_type"`
	DisplayName  string `json:"display_name"`
	ProfileImage string `json:"profile_image"`
	Link         string `json:"link"`
}

type question struct {
	QuestionID   int64    `json:"question_id"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Link         string   `json:"link"`
	Tags         []string `json:"tags"`
	Owner        *owner   `json:"owner"`
	CreationDate int64    `json:"creation_date"`
	IsAnswered   bool     `json:"is_answered"`
	AnswerCount  int      `json:"answer_count"`
}

type questionsResponse struct {
	Items          []question `json:"items"`
	HasMore        bool       `json:"has_more"`
	QuotaRemaining int        `json:"quota_remaining"`
}

// Questions returns questions tagged with tag and active within [from, to),
// most recently active first. An undecodable page ends the listing without
// an error.
func (c *Client) Questions(ctx context.Context, tag string, from, to time.Time) ([]models.SourceQuestion, error) {
	var out []models.SourceQuestion
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("fromdate", strconv.FormatInt(from.Unix(), 10))
		q.Set("todate", strconv.FormatInt(to.Unix(), 10))
		q.Set("order", "desc")
		q.Set("sort", "activity")
		q.Set("tagged", tag)
		q.Set("site", c.site)
		q.Set("filter", "withbody")
		q.Set("page", strconv.Itoa(page))
		q.Set("pagesize", strconv.Itoa(pageSize))

		req, err := apiclient.NewJSONRequest(ctx, http.MethodGet, c.baseURL+"/questions?"+q.Encode(), nil)
		if err != nil {
			return out, err
		}

		var resp questionsResponse
		meta, err := c.api.Do(ctx, req, &resp)
		if err != nil {
			return out, fmt.Errorf("list questions tagged %s: %w", tag, err)
		}
		if !meta.Decoded {
			return out, nil
		}
		for _, item := range resp.Items {
			out = append(out, item.toModel())
		}
		if !resp.HasMore {
			break
		}
	}
	return out, nil
}

func (q question) toModel() models.SourceQuestion {
	sq := models.SourceQuestion{
		QuestionID:  q.QuestionID,
		Title:       q.Title,
		Body:        q.Body,
		Link:        q.Link,
		Tags:        q.Tags,
		CreatedAt:   time.Unix(q.CreationDate, 0).UTC(),
		IsAnswered:  q.IsAnswered,
		AnswerCount: q.AnswerCount,
	}
	// Deleted accounts come back as user_type "does_not_exist" without an id.
	if q.Owner != nil && q.Owner.UserID != 0 && q.Owner.UserType != "does_not_exist" {
		sq.Owner = &models.SourceUser{
			UserID:       q.Owner.UserID,
			DisplayName:  q.Owner.DisplayName,
			ProfileImage: q.Owner.ProfileImage,
			Link:         q.Owner.Link,
		}
	}
	return sq
}
