package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("authority not found")
)

// CRL scopes.
const (
	ScopeCA   = "ca"   // revoked intermediate authorities
	ScopeUser = "user" // revoked end-entity certificates
	ScopeAll  = "all"
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON authority index + JSON Lines logs under Path (a directory)
//   - "sqlite": SQLite database file at Path (modernc, no cgo)
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Authority is a certificate authority known to the store.
type Authority struct {
	Serial  string `json:"serial"` // upper-case hex, no colons
	Name    string `json:"name"`
	CertPEM string `json:"cert_pem"`
	// KeyPath is the PEM private key location; relative paths are resolved by the caller.
	KeyPath   string    `json:"key_path"`
	Enabled   bool      `json:"enabled"`
	Revoked   bool      `json:"revoked"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// Usable reports whether the authority is enabled, not revoked and valid at now.
func (a Authority) Usable(now time.Time) bool {
	return a.Enabled && !a.Revoked && !now.Before(a.NotBefore) && now.Before(a.NotAfter)
}

// Revocation is a certificate revoked by an authority.
type Revocation struct {
	CASerial  string    `json:"ca_serial"`
	Serial    string    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    int       `json:"reason"` // RFC 5280 CRLReason
	// IsCA marks a revoked intermediate authority (CRL scope "ca").
	IsCA bool `json:"is_ca"`
}

func (r Revocation) inScope(scope string) bool {
	switch scope {
	case ScopeCA:
		return r.IsCA
	case ScopeUser:
		return !r.IsCA
	default:
		return true
	}
}

// RunRecord is one finished job run.
type RunRecord struct {
	RunID    string        `json:"run_id"`
	Job      string        `json:"job"`
	Task     string        `json:"task"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Host     string        `json:"host,omitempty"`
}

// Store is the persistence API used by the CA tasks and the app.
type Store interface {
	UsableAuthorities(ctx context.Context, now time.Time) ([]Authority, error)
	Authority(ctx context.Context, serial string) (Authority, error)
	PutAuthority(ctx context.Context, a Authority) error

	Revocations(ctx context.Context, caSerial, scope string) ([]Revocation, error)
	AddRevocation(ctx context.Context, r Revocation) error

	// NextCRLNumber atomically increments and returns the CRL number for the
	// authority and scope. The first call returns 1.
	NextCRLNumber(ctx context.Context, caSerial, scope string) (int64, error)

	AppendRun(ctx context.Context, r RunRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}
