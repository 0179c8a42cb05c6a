package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/mcpize/internal/logx"
)

func TestRefreshSendsGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/v1/token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "anon" {
			t.Errorf("apikey = %q", got)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("missing request id")
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "mcpize/") {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["refresh_token"] != "RT1" {
			t.Errorf("refresh_token = %q", body["refresh_token"])
		}
		_, _ = w.Write([]byte(`{"access_token":"AT2","refresh_token":"RT2","expires_in":3600}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", AnonKey: "anon"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := client.Refresh(context.Background(), "RT1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.AccessToken != "AT2" || got.RefreshToken != "RT2" || got.ExpiresIn != 3600 {
		t.Fatalf("unexpected tokens %+v", got)
	}
}

func TestRefreshReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token: Already Used"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = client.Refresh(context.Background(), "RT1")
	var idErr *Error
	if !errors.As(err, &idErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if idErr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", idErr.Status)
	}
	if idErr.Message() != "Invalid Refresh Token: Already Used" {
		t.Fatalf("message = %q", idErr.Message())
	}
	if !idErr.ReuseDetected() {
		t.Fatalf("expected reuse detection")
	}
}

func TestRefreshRejectsEmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"refresh_token":"RT2"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := client.Refresh(context.Background(), "RT1"); err == nil {
		t.Fatalf("expected error for missing access_token")
	}
}

func TestUserUsesAuthorisedClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer AT" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u1","email":"dev@example.com"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	authClient := &http.Client{Transport: bearerTransport{token: "AT"}}
	user, err := client.User(context.Background(), authClient)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if user.ID != "u1" || user.Email != "dev@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := New(Config{BaseURL: "auth.example.com"}); err == nil {
		t.Fatalf("expected error for base url without scheme")
	}
}

func TestErrorReuseDetection(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "already used", body: `{"msg":"Invalid Refresh Token: Already Used"}`, want: true},
		{name: "error code", body: `{"error_code":"refresh_token_already_used"}`, want: true},
		{name: "reuse", body: `{"error":"refresh_token_reuse"}`, want: true},
		{name: "plain text", body: `token REUSE detected`, want: true},
		{name: "not found", body: `{"error":"invalid_grant","error_description":"Refresh Token Not Found"}`, want: false},
		{name: "empty", body: ``, want: false},
	}
	for _, tc := range tests {
		if got := newError(http.StatusBadRequest, []byte(tc.body)).ReuseDetected(); got != tc.want {
			t.Fatalf("%s: ReuseDetected() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorMessagePrecedence(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{body: `{"error":"e","error_description":"desc","msg":"m","message":"mm"}`, want: "desc"},
		{body: `{"error":"e","msg":"m","message":"mm"}`, want: "m"},
		{body: `{"error":"e","message":"mm"}`, want: "mm"},
		{body: `{"error":"e"}`, want: "e"},
		{body: `boom`, want: "boom"},
		{body: ``, want: "Internal Server Error"},
	}
	for _, tc := range tests {
		if got := newError(http.StatusInternalServerError, []byte(tc.body)).Message(); got != tc.want {
			t.Fatalf("Message(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(clone)
}

func TestRequestsCarryInvocationID(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Invocation-Id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := logx.ContextWithInvocation(context.Background(), "inv-9")
	if err := client.Logout(ctx, "AT1"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if got := <-seen; got != "inv-9" {
		t.Fatalf("X-Invocation-Id = %q", got)
	}
}
