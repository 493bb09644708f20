package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignIn(t *testing.T) {
	var gotGrant, gotAPIKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		gotGrant = r.URL.Query().Get("grant_type")
		gotAPIKey = r.Header.Get("apikey")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Session{
			AccessToken:  "access-1",
			TokenType:    "bearer",
			RefreshToken: "refresh-1",
			User: SessionUser{
				ID:           "u1",
				Email:        "anna@example.com",
				UserMetadata: map[string]any{"username": "anna"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	session, err := c.SignIn(context.Background(), "anna@example.com", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, "password", gotGrant)
	assert.Equal(t, "anon-key", gotAPIKey)
	assert.Equal(t, "anna@example.com", gotBody["email"])
	assert.Equal(t, "s3cret", gotBody["password"])
	assert.Equal(t, "access-1", session.AccessToken)
	assert.Equal(t, "anna", session.Username())
}

func TestSignInRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.SignIn(context.Background(), "anna@example.com", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestRefreshGrantType(t *testing.T) {
	var gotGrant string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotGrant = r.URL.Query().Get("grant_type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(Session{AccessToken: "access-2", RefreshToken: "refresh-2"})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	session, err := c.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", gotGrant)
	assert.Equal(t, "refresh-1", gotBody["refresh_token"])
	assert.Equal(t, "access-2", session.AccessToken)
}

func TestTokenResponseMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token_type": "bearer"})
	}))
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	_, err := c.SignIn(context.Background(), "a", "b")
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	session := &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		User:         SessionUser{ID: "u1", Email: "anna@example.com"},
	}

	require.NoError(t, SaveSession(path, session))

	loaded, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, session.AccessToken, loaded.AccessToken)
	assert.Equal(t, "u1", loaded.User.ID)
}

func TestLoadSessionMissing(t *testing.T) {
	_, err := LoadSession(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestUsernameFallsBackToEmail(t *testing.T) {
	s := &Session{User: SessionUser{Email: "anna@example.com"}}
	assert.Equal(t, "anna@example.com", s.Username())

	s.User.UserMetadata = map[string]any{"username": "anna"}
	assert.Equal(t, "anna", s.Username())
}
