package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/dimitrije/nikode-collab/internal/middleware"
	"github.com/dimitrije/nikode-collab/internal/services"
	"github.com/dimitrije/nikode-collab/pkg/dto"
	"github.com/google/uuid"
)

// TestJWTService creates a JWTService with test configuration
func TestJWTService() *services.JWTService {
	return services.NewJWTService(
		"test-secret-key-for-testing-only",
		15*time.Minute,
	)
}

// GenerateTestToken signs an access token whose name claim becomes the
// participant's display name.
func GenerateTestToken(t *testing.T, userID uuid.UUID, name string) string {
	t.Helper()
	token, err := TestJWTService().GenerateAccessToken(userID, name)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// WithToken appends the token as the query parameter stream endpoints accept.
func WithToken(rawURL, token string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(middleware.TokenQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String()
}

// HTTPTestClient drives a handler in-process, anonymously or as one user.
type HTTPTestClient struct {
	t       *testing.T
	handler http.Handler
	headers map[string]string
}

func NewHTTPTestClient(t *testing.T, handler http.Handler) *HTTPTestClient {
	return &HTTPTestClient{t: t, handler: handler}
}

// As returns a client that signs every request with a token for userID.
func (c *HTTPTestClient) As(userID uuid.UUID, name string) *HTTPTestClient {
	c.t.Helper()
	return &HTTPTestClient{
		t:       c.t,
		handler: c.handler,
		headers: map[string]string{"Authorization": "Bearer " + GenerateTestToken(c.t, userID, name)},
	}
}

// Do sends body as JSON when non-nil.
func (c *HTTPTestClient) Do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

// ParseJSON parses the response body as JSON
func ParseJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response JSON: %v", err)
	}
}

// AssertStatus asserts the response status code
func AssertStatus(t *testing.T, rec *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if rec.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, rec.Code, rec.Body.String())
	}
}

// AssertJSON checks only the listed top-level fields.
func AssertJSON(t *testing.T, rec *httptest.ResponseRecorder, expected map[string]any) {
	t.Helper()
	var actual map[string]any
	ParseJSON(t, rec, &actual)

	for key, expectedVal := range expected {
		actualVal, ok := actual[key]
		if !ok {
			t.Errorf("expected key %q not found in response", key)
			continue
		}
		if expectedVal != actualVal {
			t.Errorf("expected %q=%v, got %v", key, expectedVal, actualVal)
		}
	}
}

// AssertErrorCode asserts status plus the machine-readable code of an error body.
func AssertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	AssertStatus(t, rec, status)
	var body dto.ErrorResponse
	ParseJSON(t, rec, &body)
	if body.Code != code {
		t.Errorf("expected error code %q, got %q", code, body.Code)
	}
}
