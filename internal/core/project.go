package core

import "time"

// Project groups tasks around one repository. RepoToken holds the
// hosting-service credential as an authenticated-encryption ciphertext;
// plaintext tokens never reach the store.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepoURL       string    `json:"repo_url,omitempty"`
	RepoToken     []byte    `json:"-"`
	SkipTLSVerify bool      `json:"skip_tls_verify,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateProject is the project creation request. RepoToken arrives in
// plaintext over the API and is encrypted before insert.
type CreateProject struct {
	Name          string `json:"name"`
	RepoURL       string `json:"repo_url,omitempty"`
	RepoToken     string `json:"repo_token,omitempty"`
	SkipTLSVerify bool   `json:"skip_tls_verify,omitempty"`
}

// APIKey is a stored server credential. Only the SHA-256 digest of the
// key is persisted.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
