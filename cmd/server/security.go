package main

import (
	"fmt"
	"strings"

	"possync/backend/internal/config"
)

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BridgeSecret == "" {
		return fmt.Errorf("BRIDGE_SECRET must be set so UI shells can obtain bridge tokens")
	}
	if isBcryptHash(cfg.BridgeSecret) {
		return nil
	}
	if len(cfg.BridgeSecret) < 12 {
		return fmt.Errorf("BRIDGE_SECRET must be at least 12 characters or a bcrypt hash")
	}
	if err := validateSecretStrength(cfg.BridgeSecret); err != nil {
		return fmt.Errorf("BRIDGE_SECRET is too weak: %w", err)
	}
	if cfg.BridgeSecret == cfg.AuthSecret {
		return fmt.Errorf("BRIDGE_SECRET must differ from AUTH_SECRET")
	}
	return nil
}

// validateSecretStrength rejects secrets that are one repeated character,
// a run of consecutive characters, or a well-known default.
func validateSecretStrength(secret string) error {
	known := map[string]bool{
		"changemechangeme": true, "passwordpassword": true, "123456789012": true,
		"qwertyuiopas": true, "dev-change-me": true, "possyncsecret": true,
	}
	if known[strings.ToLower(secret)] {
		return fmt.Errorf("common secret not allowed")
	}

	allSame := true
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("repeated-character secret not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(secret); i++ {
		diff := int(secret[i]) - int(secret[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential secret not allowed")
	}

	return nil
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
