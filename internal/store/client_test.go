package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryExecuteBuildsRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("apikey")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{{"id": "u2", "username": "bartek"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	c.SetAuth("user-token")

	rows, err := c.From("users").Select("id, username").Eq("id", "u2").Order("username", false).Limit(5).Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bartek", rows[0]["username"])

	assert.Equal(t, "/rest/v1/users", gotPath)
	assert.Contains(t, gotQuery, "id=eq.u2")
	assert.Contains(t, gotQuery, "order=username.asc")
	assert.Contains(t, gotQuery, "limit=5")
	assert.Equal(t, "Bearer user-token", gotAuth)
	assert.Equal(t, "anon-key", gotAPIKey)
}

func TestQueryFallsBackToAnonKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.From("users").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer anon-key", gotAuth)
}

func TestQuerySingleNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.From("users").Eq("id", "missing").Single(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"JWT expired"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.From("users").Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "JWT expired")
}

func TestUpdateSendsPatch(t *testing.T) {
	var gotMethod, gotPrefer, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPrefer = r.Header.Get("Prefer")
		gotQuery = r.URL.RawQuery
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	err := c.MarkMessageRead(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "return=minimal", gotPrefer)
	assert.Contains(t, gotQuery, "id=eq.m1")
	assert.Equal(t, true, gotBody["is_read"])
}

func TestInsertSendsPost(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	err := c.From("messages").Insert(context.Background(), map[string]any{"text": "hej"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "hej", gotBody["text"])
}

func TestSendMessageGeneratesID(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/messages", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	id, err := c.SendMessage(context.Background(), "c1", "u1", "u2", "hej")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, gotBody["id"])
	assert.Equal(t, "c1", gotBody["conversation_id"])
	assert.Equal(t, false, gotBody["is_read"])
}

func TestUserSummaryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/users", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]any{{"id": "u2", "username": "bartek", "email": "b@example.com"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	u, err := c.UserSummary(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "bartek", u.Username)
}

func TestOfferTransportIDLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/offers", r.URL.Path)
		assert.Contains(t, r.URL.RawQuery, "id=eq.o1")
		json.NewEncoder(w).Encode([]map[string]any{{"transport_id": "t1"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	id, err := c.OfferTransportID(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
}
