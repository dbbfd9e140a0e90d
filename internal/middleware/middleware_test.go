package middleware

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pliu/duet/internal/auth"
)

const testSecret = "middleware-test-secret"

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewTokens(testSecret, time.Hour)
	valid, err := tokens.Generate(123, "alice")
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := auth.NewTokens("some-other-secret-value", time.Hour).Generate(123, "alice")

	// Mock next handler
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserIDFromContext(r.Context())
		if !ok {
			t.Error("Expected userID in context")
		}
		if userID != 123 {
			t.Errorf("Expected userID 123, got %v", userID)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		prepare        func(r *http.Request)
		expectedStatus int
	}{
		{
			name:           "Bearer header",
			prepare:        func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			expectedStatus: http.StatusOK,
		},
		{
			name: "Query parameter",
			prepare: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", valid)
				r.URL.RawQuery = q.Encode()
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Cookie",
			prepare:        func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: valid}) },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Invalid Signature",
			prepare:        func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+forged) },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage Token",
			prepare:        func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "123|signature"}) },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Token",
			prepare:        func(r *http.Request) {},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			tt.prepare(req)
			rr := httptest.NewRecorder()

			AuthMiddleware(tokens)(nextHandler).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	// Mock next handler that returns 404
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(slog.Default())(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v",
			rr.Code, http.StatusNotFound)
	}
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	// Mock next handler that tries to hijack
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		_, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	req := httptest.NewRequest("GET", "/", nil)
	// The middleware wraps the writer passed to ServeHTTP, so the writer
	// handed in must itself support hijacking.
	mockWriter := &MockHijacker{ResponseRecorder: httptest.NewRecorder()}

	LoggingMiddleware(slog.Default())(nextHandler).ServeHTTP(mockWriter, req)

	if !mockWriter.hijacked {
		t.Error("Expected the underlying writer to be hijacked")
	}
}
