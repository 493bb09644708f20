// Package store is a PostgREST-style client for the marketplace's hosted
// data API. Queries return (data, error) pairs; nothing here panics or
// throws on a missing row.
package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/przewozpl/przewoz/internal/types"
)

// ErrNotFound is returned by single-row queries with no matching row.
var ErrNotFound = errors.New("store: row not found")

// Client talks to the REST endpoint of the backend.
type Client struct {
	baseURL    string
	apikey     string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the given backend base URL and anon key.
func New(baseURL, apikey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apikey:  apikey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuth installs the signed-in user's access token. Requests fall back
// to the anon key when no token is set.
func (c *Client) SetAuth(token string) {
	c.token = token
}

// From starts a query against a table.
func (c *Client) From(table string) *Query {
	return &Query{client: c, table: table, selects: "*"}
}

// UserSummary fetches the denormalized identity of one user. Implements
// the directory lookup used for notification enrichment.
func (c *Client) UserSummary(ctx context.Context, userID string) (types.UserSummary, error) {
	rec, err := c.From("users").Select("id, username, email").Eq("id", userID).Single(ctx)
	if err != nil {
		return types.UserSummary{}, err
	}
	return types.UserSummaryFromRecord(rec)
}

// OfferTransportID resolves which transport listing an offer belongs to.
func (c *Client) OfferTransportID(ctx context.Context, offerID string) (string, error) {
	rec, err := c.From("offers").Select("transport_id").Eq("id", offerID).Single(ctx)
	if err != nil {
		return "", err
	}
	transportID, _ := rec["transport_id"].(string)
	return transportID, nil
}

// MarkMessageRead flags a direct message as read.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.From("messages").Eq("id", messageID).Update(ctx, map[string]any{"is_read": true})
}

// SendMessage inserts a direct message. The ID is generated client-side
// so the realtime echo of the insert can be matched against it.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, receiverID, text string) (string, error) {
	id := uuid.NewString()
	err := c.From("messages").Insert(ctx, map[string]any{
		"id":              id,
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"receiver_id":     receiverID,
		"text":            text,
		"is_read":         false,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
