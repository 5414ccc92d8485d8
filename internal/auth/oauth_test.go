package auth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/config"
	"docaudit-backend/internal/engine"
)

func newProvider(t *testing.T, email string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" || r.Form.Get("client_secret") != "s3cret" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"provider-token","token_type":"Bearer"}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"email": email, "email_verified": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newOAuthApp(t *testing.T, cfg config.OAuthConfig) (*fiber.App, *MemoryStateStore) {
	t.Helper()
	env := newSessionEnv(t, nil)
	states := NewMemoryStateStore(time.Minute)
	oh := NewOAuthHandler(cfg, states, 5*time.Minute, env.h)
	oh.now = func() time.Time { return t0 }

	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler})
	RegisterRoutes(app.Group("/api"), NewGate(env.h.issuer, NewAdminKeyGuard("", false), nil), env.h, oh)
	return app, states
}

func oauthConfig(srv *httptest.Server) config.OAuthConfig {
	return config.OAuthConfig{
		AuthorizeURL: "https://id.example.com/authorize",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
		ClientID:     "docaudit",
		ClientSecret: "s3cret",
		RedirectURL:  "https://docaudit.example.com/callback",
		Scopes:       "openid email",
	}
}

// startLogin returns the issued state and the Cookie header that binds it
// to the starting client.
func startLogin(t *testing.T, app *fiber.App) (string, map[string]string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", "/api/auth/oauth/start", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %v %v", resp.StatusCode, body, err)
	}
	var binding *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == StateCookie {
			binding = ck
		}
	}
	if binding == nil || binding.Value == "" || !binding.HttpOnly {
		t.Fatalf("state cookie = %+v", binding)
	}
	data := body["data"].(map[string]any)
	u, err := url.Parse(data["authorize_url"].(string))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != "docaudit" || q.Get("response_type") != "code" || q.Get("state") != data["state"] {
		t.Fatalf("authorize url = %s", u)
	}
	return data["state"].(string), map[string]string{"Cookie": StateCookie + "=" + binding.Value}
}

func TestOAuth_Disabled(t *testing.T) {
	app, _ := newOAuthApp(t, config.OAuthConfig{})
	for _, path := range []string{"/api/auth/oauth/start", "/api/auth/oauth/callback?state=a&code=b"} {
		status, body := send(t, app, path, nil)
		if status != http.StatusNotFound || codeOf(body) != "OAUTH_DISABLED" {
			t.Fatalf("%s: got %d %v", path, status, body)
		}
	}
}

func TestOAuth_LoginFlow(t *testing.T) {
	srv := newProvider(t, "Alice@Example.com")
	app, _ := newOAuthApp(t, oauthConfig(srv))

	state, cookie := startLogin(t, app)
	status, body := send(t, app, "/api/auth/oauth/callback?state="+state+"&code=good-code", cookie)
	if status != http.StatusOK {
		t.Fatalf("callback: %d %v", status, body)
	}
	if data := body["data"].(map[string]any); data["access_token"] == "" || data["refresh_token"] == "" {
		t.Fatalf("token pair = %v", data)
	}

	// a state is good for one callback only
	status, body = send(t, app, "/api/auth/oauth/callback?state="+state+"&code=good-code", cookie)
	if status != http.StatusBadRequest || codeOf(body) != "INVALID_STATE" {
		t.Fatalf("replay: %d %v", status, body)
	}
}

func TestOAuth_CallbackFromAnotherClient(t *testing.T) {
	srv := newProvider(t, "alice@example.com")
	app, _ := newOAuthApp(t, oauthConfig(srv))

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no cookie", nil},
		{"other client's cookie", map[string]string{"Cookie": StateCookie + "=0123456789abcdef0123456789abcdef"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, cookie := startLogin(t, app)
			status, body := send(t, app, "/api/auth/oauth/callback?state="+state+"&code=good-code", tt.headers)
			if status != http.StatusBadRequest || codeOf(body) != "INVALID_STATE" {
				t.Fatalf("got %d %v, want 400 INVALID_STATE", status, body)
			}
			// the state is spent, so the starting client cannot use it afterwards
			status, body = send(t, app, "/api/auth/oauth/callback?state="+state+"&code=good-code", cookie)
			if status != http.StatusBadRequest || codeOf(body) != "INVALID_STATE" {
				t.Fatalf("after mismatch: %d %v", status, body)
			}
		})
	}
}

func TestOAuth_CallbackFailures(t *testing.T) {
	tests := []struct {
		name   string
		email  string
		code   string
		status int
		errStr string
	}{
		{"rejected code", "alice@example.com", "bad-code", http.StatusBadGateway, "OAUTH_EXCHANGE_FAILED"},
		{"no local account", "mallory@example.com", "good-code", http.StatusUnauthorized, "UNAUTHORIZED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newProvider(t, tt.email)
			app, _ := newOAuthApp(t, oauthConfig(srv))
			state, cookie := startLogin(t, app)
			status, body := send(t, app, "/api/auth/oauth/callback?state="+state+"&code="+tt.code, cookie)
			if status != tt.status || codeOf(body) != tt.errStr {
				t.Fatalf("got %d %v, want %d %s", status, body, tt.status, tt.errStr)
			}
		})
	}

	srv := newProvider(t, "alice@example.com")
	app, _ := newOAuthApp(t, oauthConfig(srv))
	status, body := send(t, app, "/api/auth/oauth/callback?state=never-issued&code=good-code", nil)
	if status != http.StatusBadRequest || codeOf(body) != "INVALID_STATE" {
		t.Fatalf("unknown state: %d %v", status, body)
	}
}
