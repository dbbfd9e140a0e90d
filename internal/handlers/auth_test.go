package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pliu/duet/internal/auth"
	"github.com/pliu/duet/internal/middleware"
	"github.com/pliu/duet/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

func newAuthHandler(t *testing.T) (*AuthHandler, *sqlstore.SQLStore) {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &AuthHandler{
		Store:  store,
		Tokens: auth.NewTokens("handlers-test-secret", time.Hour),
		Log:    slog.Default(),
	}, store
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewBuffer(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSignup(t *testing.T) {
	req := require.New(t)
	handler, _ := newAuthHandler(t)

	signup := auth.SignupRequest{Username: "testuser", Email: "test@example.com", Password: "password123"}
	rr := postJSON(t, handler.Signup, "/signup", signup)
	req.Equal(http.StatusCreated, rr.Code)
	req.NotContains(rr.Body.String(), "password123")

	// Test duplicate user
	rr = postJSON(t, handler.Signup, "/signup", signup)
	req.Equal(http.StatusConflict, rr.Code)

	// Invalid payload
	rr = postJSON(t, handler.Signup, "/signup", auth.SignupRequest{Username: "x", Email: "nope", Password: "1"})
	req.Equal(http.StatusBadRequest, rr.Code)
}

func TestLogin(t *testing.T) {
	req := require.New(t)
	handler, _ := newAuthHandler(t)

	rr := postJSON(t, handler.Signup, "/signup", auth.SignupRequest{Username: "testuser", Email: "test@example.com", Password: "password123"})
	req.Equal(http.StatusCreated, rr.Code)

	rr = postJSON(t, handler.Login, "/login", auth.LoginRequest{Username: "testuser", Password: "password123"})
	req.Equal(http.StatusOK, rr.Code)

	var resp LoginResponse
	req.NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
	req.NotEmpty(resp.Token)
	req.Equal("testuser", resp.User.Username)

	claims, err := handler.Tokens.Validate(resp.Token)
	req.NoError(err)
	req.Equal(resp.User.ID, claims.UserID)

	// Check cookies
	cookies := rr.Result().Cookies()
	req.Len(cookies, 1)
	req.Equal(middleware.CookieName, cookies[0].Name)
	req.True(cookies[0].HttpOnly)

	rr = postJSON(t, handler.Login, "/login", auth.LoginRequest{Username: "testuser", Password: "wrong-password"})
	req.Equal(http.StatusUnauthorized, rr.Code)

	rr = postJSON(t, handler.Login, "/login", auth.LoginRequest{Username: "ghost", Password: "password123"})
	req.Equal(http.StatusUnauthorized, rr.Code)
}

func TestLogout(t *testing.T) {
	handler, _ := newAuthHandler(t)
	rr := httptest.NewRecorder()
	handler.Logout(rr, httptest.NewRequest("POST", "/logout", nil))

	require.Equal(t, http.StatusNoContent, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}
