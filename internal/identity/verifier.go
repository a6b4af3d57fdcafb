// Package identity verifies bearer credentials against the external
// identity service. The relay asserts identity once at admission and applies
// no further authorization policy.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrRejected is returned for a definite authentication failure (401/403
// from the identity service). Every other verification failure is transient:
// the caller distinguishes the two with errors.Is.
var ErrRejected = errors.New("credential rejected")

// Identity is the result of a successful verification.
type Identity struct {
	UserID string
	Roles  []string
}

// Verifier calls the identity service's verify endpoint.
type Verifier struct {
	verifyURL string
	client    *http.Client
	logger    zerolog.Logger
}

// NewVerifier creates a verifier for the given endpoint. The timeout bounds
// each verification round trip.
func NewVerifier(verifyURL string, timeout time.Duration, logger zerolog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "identity").Logger(),
	}
}

// Verify checks the bearer credential.
//
// Contract: GET <verifyURL> with Authorization: Bearer <token>.
//   - 2xx: accepted; x-user-id and x-user-roles (comma-joined) response
//     headers populate the identity.
//   - 401/403: ErrRejected.
//   - anything else (network error, 5xx, timeout): transient error carrying
//     the cause.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Identity service unreachable")
		return Identity{}, fmt.Errorf("identity service unreachable: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		id := Identity{
			UserID: resp.Header.Get("x-user-id"),
			Roles:  splitRoles(resp.Header.Get("x-user-roles")),
		}
		return id, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrRejected

	default:
		return Identity{}, fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}
}

func splitRoles(header string) []string {
	if header == "" {
		return nil
	}
	roles := []string{}
	for _, r := range strings.Split(header, ",") {
		trimmed := strings.TrimSpace(r)
		if trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}
