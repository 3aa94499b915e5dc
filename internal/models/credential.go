package models

import (
	"time"
)

// Credential holds encrypted access and refresh material for one principal.
// The encrypted fields are ciphertext; plaintext never leaves the credential package.
type Credential struct {
	PrincipalID      string    `json:"principal_id"`
	AccessEncrypted  string    `json:"-"`
	RefreshEncrypted *string   `json:"-"`
	ExpiresAt        time.Time `json:"expires_at"`
	ReauthRequired   bool      `json:"reauth_required"`
	UpdatedAt        time.Time `json:"updated_at"`
}
