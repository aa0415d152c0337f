package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/studyhub/internal/config"
	"github.com/ashureev/studyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserIDFromContext(r.Context()) + "|" + UsernameFromContext(r.Context())))
	})
}

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(testSecret, "user-1", "ada", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "ada", claims.Username)

	_, err = ParseToken("other-secret", token)
	assert.ErrorIs(t, err, errInvalidToken)

	expired, err := IssueToken(testSecret, "user-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, expired)
	assert.Error(t, err)

	_, err = IssueToken("", "user-1", "", time.Hour)
	assert.Error(t, err)
}

func TestMiddlewareBearerToken(t *testing.T) {
	repo := newRepo(t)
	handler := Middleware(repo, config.AuthConfig{JWTSecret: testSecret}, true)(echoUser())

	token, err := IssueToken(testSecret, "user-42", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42|user-42", rec.Body.String())

	user, err := repo.GetUser(req.Context(), "user-42")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.False(t, user.IsAnonymous())
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	handler := Middleware(newRepo(t), config.AuthConfig{JWTSecret: testSecret, AllowAnonymous: true}, true)(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())
}

func TestMiddlewareAnonymousCookie(t *testing.T) {
	repo := newRepo(t)
	handler := Middleware(repo, config.AuthConfig{AllowAnonymous: true}, true)(echoUser())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	anonID := cookies[0].Value
	assert.True(t, isValidAnonID(anonID))
	assert.Equal(t, anonID+"|"+deriveUsername(anonID), rec.Body.String())

	// The same cookie keeps the same identity.
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: anonID})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, anonID+"|"+deriveUsername(anonID), rec.Body.String())
}

func TestMiddlewareRequiresTokenWhenAnonymousDisabled(t *testing.T) {
	handler := Middleware(newRepo(t), config.AuthConfig{JWTSecret: testSecret}, true)(echoUser())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnonIDValidation(t *testing.T) {
	id, err := generateAnonID()
	require.NoError(t, err)
	assert.True(t, isValidAnonID(id))
	assert.False(t, isValidAnonID("anon_xyz"))
	assert.False(t, isValidAnonID(""))
}
