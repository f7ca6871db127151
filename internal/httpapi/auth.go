package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"possync/backend/internal/domain"
)

const tokenIssuer = "possync"

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errIssuanceDisabled   = errors.New("bridge tokens are disabled: BRIDGE_SECRET is not set")
)

// AuthManager issues and verifies the bearer tokens UI shells use on the
// bridge. A shell proves it is trusted by presenting the shared bridge
// secret once.
type AuthManager struct {
	secret       []byte
	tokenTTL     time.Duration
	bridgeSecret string
}

type shellClaims struct {
	jwtlib.RegisteredClaims
}

// NewAuthManager accepts the bridge secret either in plain text or as a
// bcrypt hash. Plain secrets are hashed before they are kept.
func NewAuthManager(secret string, tokenTTL time.Duration, bridgeSecret string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	bridgeSecret = strings.TrimSpace(bridgeSecret)
	if bridgeSecret != "" && !isPasswordHash(bridgeSecret) {
		if hashed, err := hashPassword(bridgeSecret); err == nil {
			bridgeSecret = hashed
		} else {
			bridgeSecret = ""
		}
	}
	return &AuthManager{
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		bridgeSecret: bridgeSecret,
	}
}

func (a *AuthManager) Issue(req domain.TokenRequest) (domain.TokenResponse, error) {
	if a.bridgeSecret == "" {
		return domain.TokenResponse{}, errIssuanceDisabled
	}
	shellID := strings.TrimSpace(req.ShellID)
	if shellID == "" || len(shellID) > 64 || strings.ContainsAny(shellID, " \t\r\n") {
		return domain.TokenResponse{}, errors.New("shell_id must be 1-64 characters without spaces")
	}
	if !verifyPassword(a.bridgeSecret, req.Secret) {
		return domain.TokenResponse{}, errInvalidCredentials
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(shellID, expiresAt)
	if err != nil {
		return domain.TokenResponse{}, err
	}
	return domain.TokenResponse{
		AccessToken: token,
		ShellID:     shellID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Shell, error) {
	claims := &shellClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Shell{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Shell{}, errors.New("invalid token subject")
	}
	return domain.Shell{ID: sub}, nil
}

func (a *AuthManager) sign(shellID string, expiresAt time.Time) (string, error) {
	claims := shellClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   shellID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
