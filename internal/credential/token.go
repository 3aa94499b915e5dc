package credential

import (
	"fmt"
	"net/http"
	"time"
)

// Token is a decrypted access credential. The secret is unexported so it can
// only leave this package as an Authorization header.
type Token struct {
	principalID string
	value       string
	expiresAt   time.Time
}

func (t Token) PrincipalID() string  { return t.principalID }
func (t Token) ExpiresAt() time.Time { return t.expiresAt }

// SetAuthHeader attaches the bearer credential to r.
func (t Token) SetAuthHeader(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+t.value)
}

func (t Token) String() string {
	return fmt.Sprintf("Token{principal=%s expires=%s secret=[redacted]}", t.principalID, t.expiresAt.UTC().Format(time.RFC3339))
}

// GoString keeps %#v from printing the secret.
func (t Token) GoString() string { return t.String() }

// StaticToken wraps an already valid access credential, such as a service
// account key, without going through the store.
func StaticToken(principalID, value string, expiresAt time.Time) Token {
	return Token{principalID: principalID, value: value, expiresAt: expiresAt}
}
