package domain

// TokenRequest is presented by a UI shell to obtain a bridge token.
type TokenRequest struct {
	ShellID string `json:"shell_id"`
	Secret  string `json:"secret"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ShellID     string `json:"shell_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Shell identifies the authenticated caller of a bridge request.
type Shell struct {
	ID string `json:"id"`
}
