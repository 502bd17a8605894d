package cloud

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/logging"
)

const (
	// defaultTokenTTL is assumed when the token endpoint omits
	// expires_in and the access token carries no exp claim.
	defaultTokenTTL = time.Hour

	// audiencePattern builds the OAuth audience from the client ID.
	audiencePattern = "https://digital.panasonic.com/%s/api/v1/"

	// callbackUserAgent is sent on the login callback; the endpoint
	// rejects non-browser agents.
	callbackUserAgent = "Mozilla/5.0 (Linux; Android 10; K) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/113.0.0.0 Mobile Safari/537.36"

	// stateBytes is the entropy of the OAuth state parameter.
	stateBytes = 20

	// verifierBytes is the entropy of the PKCE code verifier.
	verifierBytes = 32
)

// Session is an authenticated cloud session.
type Session struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// SessionManager owns the Panasonic ID login and keeps an access token
// available for the device API client.
//
// Login follows the Android app's Auth0 flow: an /authorize request
// with PKCE, a CSRF cookie hop, a JSON credential post that returns an
// HTML form, replaying that form to /login/callback, then swapping the
// resulting authorization code for tokens. Refreshes use the standard
// refresh_token grant and fall back to a full login when they fail.
//
// All methods are safe for concurrent use. Callers that hit the API
// concurrently share one token; a login in progress blocks them until
// it resolves.
type SessionManager struct {
	cfg      config.CloudAuthConfig
	username string
	password string

	httpClient *http.Client
	logger     *logging.Logger

	mu      sync.Mutex
	current *Session

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewSessionManager creates a session manager from the cloud config.
//
// Parameters:
//   - cfg: Cloud configuration (credentials and auth endpoints)
//   - logger: Structured logger
//
// Returns:
//   - *SessionManager: Manager ready for EnsureValid calls
//   - error: If the cookie jar cannot be created
func NewSessionManager(cfg config.CloudConfig, logger *logging.Logger) (*SessionManager, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &SessionManager{
		cfg:      cfg.Auth,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.GetHTTPTimeout(),
			Jar:     jar,
			// The login flow inspects Location headers itself; automatic
			// redirect following would lose the authorization code.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

// EnsureValid returns a session whose token outlives the configured
// skew, logging in or refreshing first if needed.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//
// Returns:
//   - Session: Valid session
//   - error: ErrAuth if authentication fails, ErrTransient for network trouble
func (m *SessionManager) EnsureValid(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current != nil && m.current.Expiry.Sub(now) > m.cfg.GetSessionSkew() {
		return *m.current, nil
	}

	if m.current != nil && m.current.RefreshToken != "" {
		sess, err := m.refresh(ctx, m.current.RefreshToken)
		if err == nil {
			m.current = &sess
			m.logger.Debug("cloud session refreshed",
				"expires_at", sess.Expiry.UTC().Format(time.RFC3339))
			return sess, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Session{}, err
		}
		m.logger.Warn("token refresh failed, performing full login", "error", err)
	}

	sess, err := m.login(ctx)
	if err != nil {
		return Session{}, err
	}
	m.current = &sess
	m.logger.Info("cloud session established",
		"expires_at", sess.Expiry.UTC().Format(time.RFC3339))
	return sess, nil
}

// Acquire performs a full login regardless of any session already
// held. Called once at startup so bad credentials fail the daemon
// immediately instead of surfacing on the first poll.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//
// Returns:
//   - Session: Freshly authenticated session
//   - error: ErrAuth if the credentials are rejected, ErrTransient
//     for network trouble
func (m *SessionManager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.login(ctx)
	if err != nil {
		return Session{}, err
	}
	m.current = &sess
	m.logger.Info("cloud session established",
		"expires_at", sess.Expiry.UTC().Format(time.RFC3339))
	return sess, nil
}

// Invalidate discards the current session. The next EnsureValid call
// performs a full login. Called when the API rejects a token that the
// manager still considered valid.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.logger.Debug("cloud session invalidated")
}

// Teardown drops the session and closes idle connections. The manager
// is reusable afterwards; the next call logs in from scratch.
func (m *SessionManager) Teardown() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.httpClient.CloseIdleConnections()
}

// login runs the six-step Auth0 authorization code flow.
func (m *SessionManager) login(ctx context.Context) (Session, error) {
	base, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid auth base url: %v", ErrAuth, err)
	}

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	state, err := randomToken(stateBytes)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	audience := fmt.Sprintf(audiencePattern, m.cfg.ClientID)

	// Step 1: authorize. Expect a redirect carrying the login page URL;
	// the response may also override our state parameter.
	m.logger.Debug("login step", "step", 1)
	q := url.Values{}
	q.Set("scope", m.cfg.Scope)
	q.Set("audience", audience)
	q.Set("protocol", "oauth2")
	q.Set("response_type", "code")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("auth0Client", m.cfg.Auth0Client)
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("state", state)

	authorizeURL := base.JoinPath("authorize")
	authorizeURL.RawQuery = q.Encode()
	location, _, err := m.step(ctx, http.MethodGet, authorizeURL.String(), nil, nil, 1)
	if err != nil {
		return Session{}, err
	}
	if location == "" {
		return Session{}, fmt.Errorf("%w: no location header from authorize", ErrAuth)
	}
	state = stateFromLocation(location, state)

	// Step 2: follow the redirect to collect the _csrf cookie.
	m.logger.Debug("login step", "step", 2)
	loginPage, err := base.Parse(location)
	if err != nil {
		return Session{}, fmt.Errorf("%w: bad authorize redirect: %v", ErrAuth, err)
	}
	if _, _, err := m.step(ctx, http.MethodGet, loginPage.String(), nil, nil, 2); err != nil {
		return Session{}, err
	}
	csrf := m.cookieValue(base, "_csrf")
	if csrf == "" {
		return Session{}, fmt.Errorf("%w: no _csrf cookie after authorize redirect", ErrAuth)
	}

	// Step 3: post credentials. The response is an HTML page whose
	// hidden form fields must be replayed verbatim.
	m.logger.Debug("login step", "step", 3)
	credentials := map[string]string{
		"client_id":     m.cfg.ClientID,
		"redirect_uri":  m.cfg.RedirectURI,
		"tenant":        m.cfg.Tenant,
		"response_type": "code",
		"scope":         m.cfg.Scope,
		"audience":      audience,
		"_csrf":         csrf,
		"state":         state,
		"_intstate":     "deprecated",
		"username":      m.username,
		"password":      m.password,
		"lang":          "en",
		"connection":    m.cfg.Connection,
	}
	body, err := json.Marshal(credentials)
	if err != nil {
		return Session{}, fmt.Errorf("%w: encoding credentials: %v", ErrAuth, err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Auth0-Client", m.cfg.Auth0Client)
	_, page, err := m.step(ctx, http.MethodPost, base.JoinPath("usernamepassword", "login").String(),
		strings.NewReader(string(body)), headers, 3)
	if err != nil {
		return Session{}, err
	}

	form := extractHiddenInputs(page)
	if len(form) == 0 {
		return Session{}, fmt.Errorf("%w: no hidden form fields in login response", ErrAuth)
	}

	// Step 4: replay the form to the callback.
	m.logger.Debug("login step", "step", 4)
	values := url.Values{}
	for name, value := range form {
		values.Set(name, value)
	}
	headers = http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	headers.Set("User-Agent", callbackUserAgent)
	location, _, err = m.step(ctx, http.MethodPost, base.JoinPath("login", "callback").String(),
		strings.NewReader(values.Encode()), headers, 4)
	if err != nil {
		return Session{}, err
	}
	if location == "" {
		return Session{}, fmt.Errorf("%w: no location header from login callback", ErrAuth)
	}

	// Step 5: the next redirect carries the authorization code.
	m.logger.Debug("login step", "step", 5)
	resume, err := base.Parse(location)
	if err != nil {
		return Session{}, fmt.Errorf("%w: bad callback redirect: %v", ErrAuth, err)
	}
	location, _, err = m.step(ctx, http.MethodGet, resume.String(), nil, nil, 5)
	if err != nil {
		return Session{}, err
	}
	code := codeFromLocation(location)
	if code == "" {
		return Session{}, fmt.Errorf("%w: no authorization code in redirect", ErrAuth)
	}

	// Step 6: exchange the code for tokens.
	m.logger.Debug("login step", "step", 6)
	sess, err := m.requestToken(ctx, map[string]string{
		"scope":         "openid",
		"client_id":     m.cfg.ClientID,
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  m.cfg.RedirectURI,
		"code_verifier": verifier,
	}, true)
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// refresh exchanges a refresh token for a new access token.
func (m *SessionManager) refresh(ctx context.Context, refreshToken string) (Session, error) {
	sess, err := m.requestToken(ctx, map[string]string{
		"client_id":     m.cfg.ClientID,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	}, false)
	if err != nil {
		return Session{}, err
	}
	// The grant may omit a rotated refresh token; keep using the old one.
	if sess.RefreshToken == "" {
		sess.RefreshToken = refreshToken
	}
	return sess, nil
}

// requestToken posts to /oauth/token and builds a session from the
// response. withAuth0Header matches the app: set on the code exchange,
// absent on refresh.
func (m *SessionManager) requestToken(ctx context.Context, payload map[string]string, withAuth0Header bool) (Session, error) {
	base, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid auth base url: %v", ErrAuth, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Session{}, fmt.Errorf("%w: encoding token request: %v", ErrAuth, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if withAuth0Header {
		headers.Set("Auth0-Client", m.cfg.Auth0Client)
	}

	_, respBody, err := m.step(ctx, http.MethodPost, base.JoinPath("oauth", "token").String(),
		strings.NewReader(string(body)), headers, 6)
	if err != nil {
		return Session{}, err
	}

	var token tokenResponse
	if err := json.Unmarshal([]byte(respBody), &token); err != nil {
		return Session{}, fmt.Errorf("%w: decoding token response: %v", ErrAuth, err)
	}
	if token.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: token response missing access token", ErrAuth)
	}

	return Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       tokenExpiry(token, m.now()),
	}, nil
}

// step performs one HTTP exchange of the login flow without following
// redirects. It returns the Location header and the response body.
func (m *SessionManager) step(ctx context.Context, method, rawURL string, body io.Reader, headers http.Header, n int) (location, respBody string, err error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "", "", fmt.Errorf("%w: building step %d request: %v", ErrAuth, n, err)
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", fmt.Errorf("%w: login step %d: %v", ErrTransient, n, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("%w: reading step %d response: %v", ErrTransient, n, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return "", "", loginStatusError(n, resp.StatusCode)
	}

	return resp.Header.Get("Location"), string(data), nil
}

// loginStatusError classifies a failed login flow response. Rejected
// credentials arrive as 401/403; other client errors mean the flow no
// longer matches the vendor's contract, which also needs operator
// attention. Server trouble is worth retrying later.
func loginStatusError(step, status int) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: login step %d: status %d", ErrTransient, step, status)
	default:
		return fmt.Errorf("%w: login step %d: status %d", ErrAuth, step, status)
	}
}

// cookieValue reads a cookie for the auth host from the jar.
func (m *SessionManager) cookieValue(base *url.URL, name string) string {
	for _, c := range m.httpClient.Jar.Cookies(base) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// tokenResponse is the /oauth/token reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// tokenExpiry works out when a token stops being usable. Prefer the
// explicit expires_in; fall back to the JWT exp claim, then to a fixed
// TTL. The claim is read without signature verification, which is fine
// because it only schedules a refresh, it grants nothing.
func tokenExpiry(token tokenResponse, now time.Time) time.Time {
	if token.ExpiresIn > 0 {
		return now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	return now.Add(defaultTokenTTL)
}

// generatePKCE builds a code verifier and its S256 challenge,
// base64url without padding per RFC 7636.
func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, verifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// randomToken returns n bytes of entropy, base64url without padding.
func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// stateFromLocation returns the state query parameter from a redirect
// location, or fallback when absent. The authorize endpoint sometimes
// rewrites the state it was given.
func stateFromLocation(location, fallback string) string {
	parsed, err := url.Parse(location)
	if err != nil {
		return fallback
	}
	if s := parsed.Query().Get("state"); s != "" {
		return s
	}
	return fallback
}

// codeFromLocation extracts the code query parameter from the final
// redirect location.
func codeFromLocation(location string) string {
	parsed, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("code")
}

// hiddenInputPattern matches hidden form inputs in either attribute
// order: name before value or value before name.
var hiddenInputPattern = regexp.MustCompile(
	`<input\s+type="hidden"\s+name="([^"]+)"\s+value="([^"]*)"` +
		`|<input\s+type="hidden"\s+value="([^"]*)"\s+name="([^"]+)"`)

// extractHiddenInputs pulls hidden form fields out of the login HTML.
// Values are HTML-unescaped; the callback endpoint expects the decoded
// form exactly as a browser would submit it.
func extractHiddenInputs(page string) map[string]string {
	fields := make(map[string]string)
	for _, match := range hiddenInputPattern.FindAllStringSubmatch(page, -1) {
		if match[1] != "" {
			fields[match[1]] = html.UnescapeString(match[2])
		} else if match[4] != "" {
			fields[match[4]] = html.UnescapeString(match[3])
		}
	}
	return fields
}
