package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"

	"docaudit-backend/internal/config"
	"docaudit-backend/internal/engine"
	"docaudit-backend/internal/store"
)

const (
	maxProviderResponse = 1 << 20

	// StateCookie carries the nonce that binds a login state to the
	// browser that started it.
	StateCookie = "docaudit_oauth_state"
)

// OAuthHandler runs the authorization-code login against an external
// provider and maps the provider's email to a local account.
type OAuthHandler struct {
	cfg      config.OAuthConfig
	states   StateStore
	stateTTL time.Duration
	client   *http.Client
	sessions *Handler
	now      func() time.Time
}

// NewOAuthHandler builds the external login handler. Requests answer 404
// OAUTH_DISABLED while cfg is not enabled.
func NewOAuthHandler(cfg config.OAuthConfig, states StateStore, stateTTL time.Duration, sessions *Handler) *OAuthHandler {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &OAuthHandler{
		cfg:      cfg,
		states:   states,
		stateTTL: stateTTL,
		client:   &http.Client{Timeout: 15 * time.Second},
		sessions: sessions,
		now:      time.Now,
	}
}

func errOAuthDisabled() *engine.AppError {
	return engine.NewAppError("OAUTH_DISABLED", fiber.StatusNotFound, "External login is not configured")
}

// Start handles GET /api/auth/oauth/start.
func (h *OAuthHandler) Start(c *fiber.Ctx) error {
	if !h.cfg.Enabled() {
		return errOAuthDisabled()
	}

	nonce, err := newStateNonce()
	if err != nil {
		return fmt.Errorf("oauth state nonce: %w", err)
	}
	state := ulid.Make().String()
	exp := h.now().Add(h.stateTTL)
	if err := h.states.PutState(c.Context(), state, nonce, exp); err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	c.Cookie(&fiber.Cookie{
		Name:     StateCookie,
		Value:    nonce,
		Path:     "/",
		Expires:  exp,
		HTTPOnly: true,
		Secure:   strings.HasPrefix(h.cfg.RedirectURL, "https://"),
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", h.cfg.ClientID)
	q.Set("redirect_uri", h.cfg.RedirectURL)
	q.Set("state", state)
	if h.cfg.Scopes != "" {
		q.Set("scope", h.cfg.Scopes)
	}
	sep := "?"
	if strings.Contains(h.cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"state":         state,
		"authorize_url": h.cfg.AuthorizeURL + sep + q.Encode(),
	}})
}

// Callback handles GET /api/auth/oauth/callback?state=&code=.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if !h.cfg.Enabled() {
		return errOAuthDisabled()
	}
	state, code := c.Query("state"), c.Query("code")
	if state == "" || code == "" {
		return engine.InvalidPayloadError("state and code are required")
	}

	nonce, ok, err := h.states.ConsumeState(c.Context(), state, h.now())
	if err != nil {
		return err
	}
	c.ClearCookie(StateCookie)
	if !ok {
		return engine.NewAppError("INVALID_STATE", fiber.StatusBadRequest, "Unknown or expired login state")
	}
	// A mismatched nonce still consumes the state.
	presented := c.Cookies(StateCookie)
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(nonce)) != 1 {
		slog.Warn("oauth state presented by a different client", "ip", c.IP())
		return engine.NewAppError("INVALID_STATE", fiber.StatusBadRequest, "Login state was not started by this client")
	}

	accessToken, err := h.exchange(c.Context(), code)
	if err != nil {
		slog.Warn("oauth code exchange failed", "error", err)
		return engine.NewAppError("OAUTH_EXCHANGE_FAILED", fiber.StatusBadGateway, "Could not complete external login")
	}
	email, err := h.userEmail(c.Context(), accessToken)
	if err != nil {
		slog.Warn("oauth userinfo failed", "error", err)
		return engine.NewAppError("OAUTH_EXCHANGE_FAILED", fiber.StatusBadGateway, "Could not complete external login")
	}

	user, err := h.sessions.users.GetUserByEmail(c.Context(), email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.Usable(h.now()) {
		h.sessions.metrics.observe("oauth", ErrForbidden)
		return engine.UnauthorizedError("No active account for this identity")
	}

	pair, err := h.sessions.issuePair(c.Context(), user)
	if err != nil {
		return err
	}
	h.sessions.metrics.observe("oauth", nil)
	slog.Info("user logged in", "user_id", user.ID, "method", "oauth")
	return c.JSON(fiber.Map{"data": pair})
}

func newStateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (h *OAuthHandler) exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", h.cfg.RedirectURL)
	form.Set("client_id", h.cfg.ClientID)
	form.Set("client_secret", h.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := h.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("token endpoint: no access_token in response")
	}
	return out.AccessToken, nil
}

func (h *OAuthHandler) userEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var out struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := h.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("userinfo endpoint: %w", err)
	}
	if out.Email == "" {
		return "", errors.New("userinfo endpoint: no email in response")
	}
	if out.EmailVerified != nil && !*out.EmailVerified {
		return "", fmt.Errorf("userinfo endpoint: email %s is not verified", out.Email)
	}
	return out.Email, nil
}

func (h *OAuthHandler) doJSON(req *http.Request, dst any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.Unmarshal(body, dst)
}
