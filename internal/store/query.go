package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Query builds one request against a table. Filters use PostgREST
// operator syntax (column=eq.value).
type Query struct {
	client  *Client
	table   string
	selects string
	filters []filterClause
	order   string
	limit   int
}

type filterClause struct {
	column   string
	operator string
	value    string
}

// Select sets the returned columns (default "*").
func (q *Query) Select(columns string) *Query {
	q.selects = columns
	return q
}

// Eq adds an equality filter.
func (q *Query) Eq(column, value string) *Query {
	q.filters = append(q.filters, filterClause{column: column, operator: "eq", value: value})
	return q
}

// Order sets the sort column; ascending unless desc is true.
func (q *Query) Order(column string, desc bool) *Query {
	dir := "asc"
	if desc {
		dir = "desc"
	}
	q.order = column + "." + dir
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Execute runs the query and returns the matching rows.
func (q *Query) Execute(ctx context.Context) ([]map[string]any, error) {
	resp, err := q.do(ctx, http.MethodGet, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, restError("querying "+q.table, resp)
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding %s rows: %w", q.table, err)
	}
	return rows, nil
}

// Single runs the query expecting exactly one row. Missing rows surface
// as ErrNotFound, not as a protocol error.
func (q *Query) Single(ctx context.Context) (map[string]any, error) {
	q.limit = 1
	rows, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Insert adds one record to the table.
func (q *Query) Insert(ctx context.Context, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding %s insert: %w", q.table, err)
	}
	resp, err := q.do(ctx, http.MethodPost, body, "return=minimal")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return restError("inserting into "+q.table, resp)
	}
	return nil
}

// Update patches the rows matching the query's filters.
func (q *Query) Update(ctx context.Context, values map[string]any) error {
	body, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding %s update: %w", q.table, err)
	}
	resp, err := q.do(ctx, http.MethodPatch, body, "return=minimal")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return restError("updating "+q.table, resp)
	}
	return nil
}

// do builds and performs the HTTP request.
func (q *Query) do(ctx context.Context, method string, body []byte, prefer string) (*http.Response, error) {
	endpoint, err := url.Parse(q.client.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	endpoint = endpoint.JoinPath("rest", "v1", q.table)

	params := endpoint.Query()
	if method == http.MethodGet {
		params.Set("select", q.selects)
		if q.order != "" {
			params.Set("order", q.order)
		}
		if q.limit > 0 {
			params.Set("limit", strconv.Itoa(q.limit))
		}
	}
	for _, f := range q.filters {
		params.Set(f.column, f.operator+"."+f.value)
	}
	endpoint.RawQuery = params.Encode()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("apikey", q.client.apikey)
	token := q.client.token
	if token == "" {
		token = q.client.apikey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	return q.client.httpClient.Do(req)
}

func restError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: status %d: %s", action, resp.StatusCode, string(body))
}
