package model

// CredentialPair is the access/refresh token pair issued by the panel backend.
// Both tokens are always replaced together.
type CredentialPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Empty reports whether the pair carries no access token.
func (p CredentialPair) Empty() bool {
	return p.AccessToken == ""
}

// TokenResponse is the body returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Pair converts the response into a CredentialPair.
func (r TokenResponse) Pair() CredentialPair {
	return CredentialPair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// RefreshRequest is the body sent to the refresh endpoint.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LoginRequest is the body sent to the login endpoint.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Identity is the authenticated user as reported by the backend's /auth/me endpoint.
type Identity struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	IsAdmin     bool     `json:"is_admin"`
	Groups      []string `json:"groups,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}
