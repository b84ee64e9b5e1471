package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentityMiddleware_InjectsUserID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		wantID int64
		wantOK bool
	}{
		{"valid", "42", 42, true},
		{"surrounding spaces", " 7 ", 7, true},
		{"missing", "", 0, false},
		{"not a number", "abc", 0, false},
		{"zero", "0", 0, false},
		{"negative", "-3", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID int64
			var gotOK bool
			handler := NewIdentityMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotID, gotOK = UserIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.header != "" {
				req.Header.Set(UserIDHeader, tt.header)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if gotOK != tt.wantOK || gotID != tt.wantID {
				t.Errorf("UserIDFromContext = (%d, %v), want (%d, %v)", gotID, gotOK, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	if got := ClientKey(req); got != "ip:203.0.113.5" {
		t.Errorf("ClientKey = %q, want %q", got, "ip:203.0.113.5")
	}

	req.RemoteAddr = "no-port"
	if got := ClientKey(req); got != "ip:no-port" {
		t.Errorf("ClientKey = %q, want %q", got, "ip:no-port")
	}

	req = req.WithContext(ContextWithUserID(req.Context(), 9))
	if got := ClientKey(req); got != "user:9" {
		t.Errorf("ClientKey = %q, want %q", got, "user:9")
	}
}
