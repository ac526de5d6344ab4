package bridge

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-process OAuth2 / OIDC / OAuth1 provider. Codes are
// registered by the test and are redeemable exactly once.
type fakeProvider struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	clientID string
	subject  string

	mu             sync.Mutex
	profile        map[string]any
	delay          time.Duration
	codes          map[string]*fakeGrant
	oauth1Callback string
}

type fakeGrant struct {
	redirectURI   string
	codeChallenge string
	nonce         string
	used          bool
}

func newFakeProvider(t *testing.T, clientID string) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeProvider{
		t:        t,
		key:      key,
		clientID: clientID,
		subject:  "u1",
		profile:  map[string]any{"id": json.Number("12345"), "email": "u1@example.com", "name": "User One"},
		codes:    map[string]*fakeGrant{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("/jwks", f.jwks)
	mux.HandleFunc("/token", f.token)
	mux.HandleFunc("/userinfo", f.userinfo)
	mux.HandleFunc("/oauth/request_token", f.requestToken)
	mux.HandleFunc("/oauth/access_token", f.accessToken)
	mux.HandleFunc("/account/verify_credentials.json", f.verifyCredentials)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProvider) URL() string { return f.srv.URL }

// addCode registers a redeemable code.
func (f *fakeProvider) addCode(code, redirectURI, codeChallenge, nonce string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[code] = &fakeGrant{redirectURI: redirectURI, codeChallenge: codeChallenge, nonce: nonce}
}

func (f *fakeProvider) setProfile(p map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = p
}

func (f *fakeProvider) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeProvider) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                                f.srv.URL,
		"authorization_endpoint":                f.srv.URL + "/authorize",
		"token_endpoint":                        f.srv.URL + "/token",
		"jwks_uri":                              f.srv.URL + "/jwks",
		"userinfo_endpoint":                     f.srv.URL + "/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeProvider) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := f.key.PublicKey
	writeJSON(w, map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": "test-key",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

// wait sleeps for the configured delay before a token endpoint answers.
func (f *fakeProvider) wait() {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (f *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	f.wait()
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}

	f.mu.Lock()
	g, ok := f.codes[r.PostForm.Get("code")]
	valid := ok && !g.used && g.redirectURI == r.PostForm.Get("redirect_uri")
	if valid && g.codeChallenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		valid = base64.RawURLEncoding.EncodeToString(sum[:]) == g.codeChallenge
	}
	if valid {
		g.used = true
	}
	f.mu.Unlock()

	if !valid {
		oauthError(w, "invalid_grant")
		return
	}

	resp := map[string]any{
		"access_token": "at-" + r.PostForm.Get("code"),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if g.nonce != "" {
		resp["id_token"] = f.idToken(g.nonce)
	}
	writeJSON(w, resp)
}

func (f *fakeProvider) idToken(nonce string) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   f.srv.URL,
		"aud":   f.clientID,
		"sub":   f.subject,
		"nonce": nonce,
		"email": "u1@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "test-key"
	signed, err := tok.SignedString(f.key)
	require.NoError(f.t, err)
	return signed
}

func (f *fakeProvider) userinfo(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	profile := f.profile
	f.mu.Unlock()
	writeJSON(w, profile)
}

func (f *fakeProvider) requestToken(w http.ResponseWriter, r *http.Request) {
	f.wait()
	params := oauthHeader(r)
	f.mu.Lock()
	f.oauth1Callback = params["oauth_callback"]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	_, _ = w.Write([]byte("oauth_token=rt1&oauth_token_secret=rs1&oauth_callback_confirmed=true"))
}

func (f *fakeProvider) accessToken(w http.ResponseWriter, r *http.Request) {
	f.wait()
	params := oauthHeader(r)
	if params["oauth_token"] != "rt1" || params["oauth_verifier"] != "v1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	_, _ = w.Write([]byte("oauth_token=at1&oauth_token_secret=as1&user_id=99"))
}

func (f *fakeProvider) verifyCredentials(w http.ResponseWriter, r *http.Request) {
	if oauthHeader(r)["oauth_token"] != "at1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"id": 99, "id_str": "99", "screen_name": "jack"})
}

func (f *fakeProvider) callbackSeen() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.oauth1Callback
}

// oauthHeader parses an "Authorization: OAuth k="v", ..." header.
func oauthHeader(r *http.Request) map[string]string {
	out := map[string]string{}
	h := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if uv, err := url.QueryUnescape(strings.Trim(v, `"`)); err == nil {
			out[k] = uv
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
