// Package api implements the HTTP surface of the broker: the external-auth
// redirect endpoints used by the browser popup, the token endpoint with the
// external grant, and the operational endpoints. It uses Chi as the router.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the JSON wrapper of the non-OAuth endpoints.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="extauth"`)
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// -----------------------------------------------------------------------------
// OAuth2 token endpoint responses (RFC 6749 section 5)
// -----------------------------------------------------------------------------

// tokenResponse is the successful token endpoint body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// oauthErrorResponse is the token endpoint error body.
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// noStore marks a response as carrying credentials.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func tokenJSON(w http.ResponseWriter, resp tokenResponse) {
	noStore(w)
	JSON(w, http.StatusOK, resp)
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	noStore(w)
	JSON(w, status, oauthErrorResponse{Error: code, ErrorDescription: description})
}
