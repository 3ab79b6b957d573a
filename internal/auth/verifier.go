// Package auth verifies connection credentials. A credential is an HS256
// JWT whose subject is the identity id. Verification happens once per
// connection attempt, before the transport upgrade.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/ban"
)

var (
	// ErrAuthFailure covers every rejected credential: malformed, bad
	// signature, expired, unknown or inactive identity.
	ErrAuthFailure = errors.New("auth: authentication failed")

	// ErrIdentityNotFound is returned by identity stores for unknown ids.
	ErrIdentityNotFound = errors.New("auth: identity not found")
)

// BannedError rejects a banned identity.
type BannedError struct {
	Reason    string
	ExpiresAt *time.Time // nil for a permanent ban
}

func (e *BannedError) Error() string {
	if e.ExpiresAt == nil {
		return fmt.Sprintf("auth: banned: %s", e.Reason)
	}
	return fmt.Sprintf("auth: banned until %s: %s", e.ExpiresAt.Format(time.RFC3339), e.Reason)
}

// Identity is the externally owned account record, read by reference.
type Identity struct {
	ID           string
	Username     string
	Role         string
	Verified     bool
	Active       bool
	Banned       bool
	BanReason    string
	BanExpiresAt *time.Time
}

// IdentityStore loads identities. It returns ErrIdentityNotFound for
// unknown ids.
type IdentityStore interface {
	IdentityByID(ctx context.Context, id string) (*Identity, error)
}

// BanLookup reports temporary bans held outside the identity record. A nil
// record means not banned.
type BanLookup interface {
	Status(ctx context.Context, identityID string) (*ban.Record, error)
}

// Verifier checks tokens against the signing secret, the identity store and
// the ban store.
type Verifier struct {
	secret     []byte
	identities IdentityStore
	bans       BanLookup
	log        zerolog.Logger
	now        func() time.Time
}

// NewVerifier creates a Verifier. bans may be nil.
func NewVerifier(secret []byte, identities IdentityStore, bans BanLookup, log zerolog.Logger) *Verifier {
	return &Verifier{
		secret:     secret,
		identities: identities,
		bans:       bans,
		log:        log,
		now:        time.Now,
	}
}

// Verify resolves token to an active, unbanned identity. It returns
// ErrAuthFailure or a *BannedError on rejection, or a wrapped store error
// when the identity store is unreachable.
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrAuthFailure
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrAuthFailure
	}

	id, err := v.identities.IdentityByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrAuthFailure
		}
		return nil, fmt.Errorf("auth: load identity: %w", err)
	}
	if !id.Active {
		return nil, ErrAuthFailure
	}

	now := v.now()
	if id.Banned && (id.BanExpiresAt == nil || id.BanExpiresAt.After(now)) {
		return nil, &BannedError{Reason: id.BanReason, ExpiresAt: id.BanExpiresAt}
	}

	if v.bans != nil {
		rec, err := v.bans.Status(ctx, id.ID)
		switch {
		case err != nil:
			// Fail open: an unreachable ban store admits the connection.
			v.log.Warn().Err(err).Str("identity_id", id.ID).Msg("ban lookup failed")
		case rec != nil:
			be := &BannedError{Reason: rec.Reason}
			if !rec.ExpiresAt.IsZero() {
				exp := rec.ExpiresAt
				be.ExpiresAt = &exp
			}
			return nil, be
		}
	}
	return id, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or
// the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

// SignToken issues an HS256 token for identityID valid for ttl.
// Token issuance belongs to the account service; this is for tooling and
// tests.
func SignToken(secret []byte, identityID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   identityID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
