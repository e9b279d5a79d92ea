package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dimitrije/nikode-collab/internal/services"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJWTService() *services.JWTService {
	return services.NewJWTService("test-secret-key", 15*time.Minute)
}

func generateTestToken(t *testing.T, jwtSvc *services.JWTService, userID uuid.UUID, name string) string {
	t.Helper()
	token, err := jwtSvc.GenerateAccessToken(userID, name)
	require.NoError(t, err)
	return token
}

func TestAuth_MissingAuthorizationHeader(t *testing.T) {
	jwtSvc := newTestJWTService()
	app := drift.New()

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization header")
}

func TestAuth_InvalidAuthorizationFormat_NoBearer(t *testing.T) {
	jwtSvc := newTestJWTService()
	app := drift.New()

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token some-token")
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid authorization header format")
}

func TestAuth_InvalidAuthorizationFormat_OnlyBearer(t *testing.T) {
	jwtSvc := newTestJWTService()
	app := drift.New()

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer")
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid authorization header format")
}

func TestAuth_InvalidToken(t *testing.T) {
	jwtSvc := newTestJWTService()
	app := drift.New()

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or expired token")
}

func TestAuth_ExpiredToken(t *testing.T) {
	// Create service with very short expiry
	jwtSvc := services.NewJWTService("test-secret-key", 1*time.Millisecond)
	app := drift.New()

	userID := uuid.New()
	token := generateTestToken(t, jwtSvc, userID, "Ana")

	// Wait for token to expire
	time.Sleep(10 * time.Millisecond)

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or expired token")
}

func TestAuth_WrongSecret(t *testing.T) {
	jwtSvc1 := services.NewJWTService("secret-1", 15*time.Minute)
	jwtSvc2 := services.NewJWTService("secret-2", 15*time.Minute)
	app := drift.New()

	// Generate token with secret-1
	userID := uuid.New()
	token := generateTestToken(t, jwtSvc1, userID, "Ana")

	// Validate with secret-2
	app.Use(Auth(jwtSvc2))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ValidToken(t *testing.T) {
	jwtSvc := newTestJWTService()
	app := drift.New()

	userID := uuid.New()
	name := "Ana"
	token := generateTestToken(t, jwtSvc, userID, name)

	var extractedUserID uuid.UUID
	var extractedName string

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		extractedUserID = GetUserID(c)
		extractedName = GetUserName(c)
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, extractedUserID)
	assert.Equal(t, name, extractedName)
}

func TestAuth_BearerCaseInsensitive(t *testing.T) {
	jwtSvc := newTestJWTService()
	app := drift.New()

	userID := uuid.New()
	token := generateTestToken(t, jwtSvc, userID, "Ana")

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	testCases := []string{"bearer", "BEARER", "BeArEr"}

	for _, bearer := range testCases {
		t.Run(bearer, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			req.Header.Set("Authorization", bearer+" "+token)
			rec := httptest.NewRecorder()

			app.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestGetUserID_NotSet(t *testing.T) {
	app := drift.New()

	var extractedUserID uuid.UUID

	app.Get("/test", func(c *drift.Context) {
		extractedUserID = GetUserID(c)
		_ = c.JSON(http.StatusOK, nil)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, uuid.Nil, extractedUserID)
}

func TestGetUserName_NotSet(t *testing.T) {
	app := drift.New()

	var extractedName string

	app.Get("/test", func(c *drift.Context) {
		extractedName = GetUserName(c)
		_ = c.JSON(http.StatusOK, nil)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, "", extractedName)
}

func streamApp(jwtSvc *services.JWTService, extractedUserID *uuid.UUID, extractedName *string) http.Handler {
	app := drift.New()
	app.Use(StreamAuth(jwtSvc))
	app.Get("/stream", func(c *drift.Context) {
		*extractedUserID = GetUserID(c)
		*extractedName = GetUserName(c)
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return app
}

func TestStreamAuth_QueryToken(t *testing.T) {
	jwtSvc := newTestJWTService()
	userID := uuid.New()
	token := generateTestToken(t, jwtSvc, userID, "Ana")

	var extractedUserID uuid.UUID
	var extractedName string
	app := streamApp(jwtSvc, &extractedUserID, &extractedName)

	req := httptest.NewRequest(http.MethodGet, "/stream?token="+token, nil)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, extractedUserID)
	assert.Equal(t, "Ana", extractedName)
}

func TestStreamAuth_HeaderWinsOverQuery(t *testing.T) {
	jwtSvc := newTestJWTService()
	headerUser := uuid.New()
	headerToken := generateTestToken(t, jwtSvc, headerUser, "Ana")
	queryToken := generateTestToken(t, jwtSvc, uuid.New(), "Bo")

	var extractedUserID uuid.UUID
	var extractedName string
	app := streamApp(jwtSvc, &extractedUserID, &extractedName)

	req := httptest.NewRequest(http.MethodGet, "/stream?token="+queryToken, nil)
	req.Header.Set("Authorization", "Bearer "+headerToken)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, headerUser, extractedUserID)
	assert.Equal(t, "Ana", extractedName)
}

func TestStreamAuth_Rejects(t *testing.T) {
	jwtSvc := newTestJWTService()
	var extractedUserID uuid.UUID
	var extractedName string
	app := streamApp(jwtSvc, &extractedUserID, &extractedName)

	testCases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "nothing", target: "/stream", want: "missing access token"},
		{name: "blank query", target: "/stream?token=%20", want: "missing access token"},
		{name: "bad query token", target: "/stream?token=nope", want: "invalid or expired token"},
		{name: "bad header", target: "/stream", header: "Token abc", want: "invalid authorization header format"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()

			app.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
	assert.Equal(t, uuid.Nil, extractedUserID)
}

func TestAuth_IgnoresQueryToken(t *testing.T) {
	jwtSvc := newTestJWTService()
	token := generateTestToken(t, jwtSvc, uuid.New(), "Ana")
	app := drift.New()

	app.Use(Auth(jwtSvc))
	app.Get("/protected", func(c *drift.Context) {
		_ = c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	req := httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	rec := httptest.NewRecorder()

	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization header")
}
