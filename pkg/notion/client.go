// Package notion reads leads from a Notion database and moves imported pages
// to a follow-up status.
package notion

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultStatusProperty is the page property that tracks import state.
const DefaultStatusProperty = "Status"

// Client is the slice of the Notion API the lead import needs.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// Option configures the API client.
type Option func(*apiClient)

// WithRateLimit sets requests per second. Zero or less disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *apiClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

type apiClient struct {
	api     *notionapi.Client
	limiter *rate.Limiter
}

// NewClient returns a Client for the integration token, throttled to Notion's
// documented 3 req/s unless overridden.
func NewClient(token string, opts ...Option) Client {
	c := &apiClient{
		api:     notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *apiClient) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "notion: rate limit")
	}
	return nil
}

func (c *apiClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query database %s", dbID)
	}
	return resp, nil
}

func (c *apiClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	page, err := c.api.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: update page %s", pageID)
	}
	return page, nil
}

// LeadDB is a Notion database of leads whose status property marks which
// pages are ready for import and which have been imported.
type LeadDB struct {
	client     Client
	id         string
	statusProp string
}

// NewLeadDB binds a lead database. An empty statusProp means
// DefaultStatusProperty.
func NewLeadDB(c Client, dbID, statusProp string) *LeadDB {
	if statusProp == "" {
		statusProp = DefaultStatusProperty
	}
	return &LeadDB{client: c, id: dbID, statusProp: statusProp}
}

// ID returns the database ID.
func (d *LeadDB) ID() string { return d.id }

// Pages returns the lead pages in creation order. A non-empty status keeps
// only pages in that status.
func (d *LeadDB) Pages(ctx context.Context, status string) ([]notionapi.Page, error) {
	pages, err := QueryAll(ctx, d.client, d.id, d.query(status))
	if err != nil {
		return nil, eris.Wrap(err, "notion: query leads")
	}
	return pages, nil
}

// MarkStatus moves one page to status.
func (d *LeadDB) MarkStatus(ctx context.Context, pageID, status string) error {
	_, err := d.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			d.statusProp: notionapi.StatusProperty{Status: notionapi.Status{Name: status}},
		},
	})
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("notion: set %s of %s", d.statusProp, pageID))
	}
	return nil
}

func (d *LeadDB) query(status string) *notionapi.DatabaseQueryRequest {
	req := &notionapi.DatabaseQueryRequest{
		Sorts: []notionapi.SortObject{{
			Timestamp: notionapi.TimestampCreated,
			Direction: notionapi.SortOrderASC,
		}},
	}
	if status != "" {
		req.Filter = notionapi.PropertyFilter{
			Property: d.statusProp,
			Status:   &notionapi.StatusFilterCondition{Equals: status},
		}
	}
	return req
}
