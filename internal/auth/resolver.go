// ABOUTME: Identity resolution for new connections.
// ABOUTME: Validates credentials, maps claims to an Identity, and loads capabilities.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/relayops/switchboard/internal/identity"
	"github.com/relayops/switchboard/internal/wire"
)

// Resolver errors
var (
	// ErrAuthRejected means the credential is invalid, expired, or the
	// directory does not recognize the claimed identity.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrAuthServiceUnavailable means the identity directory could not be
	// reached after one retry. Fatal to this connection attempt only.
	ErrAuthServiceUnavailable = errors.New("auth service unavailable")
)

// directoryRetryBackoff is the pause before the single directory retry.
const directoryRetryBackoff = 250 * time.Millisecond

// DirectoryRecord is the directory's view of an identity, used for
// claim-to-identity mapping and capability refresh.
type DirectoryRecord struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	Capabilities    []string `json:"capabilities"`
	SSHFingerprints []string `json:"ssh_fingerprints,omitempty"`
}

// Directory provides read-only identity lookups against the backend of
// record. Eventually-consistent results are acceptable.
type Directory interface {
	LookupIdentity(ctx context.Context, identityID string) (*DirectoryRecord, error)
}

// Resolver validates credentials and classifies connections. Results are
// never cached across connections: tokens may be revoked asynchronously, so
// each new connection re-validates.
type Resolver struct {
	tokens TokenVerifier
	ssh    *SSHVerifier
	dir    Directory
	logger *slog.Logger
}

// NewResolver creates a Resolver. The directory may be nil, in which case
// capabilities come from token claims (or kind defaults) alone and SSH
// credentials are rejected for lack of a fingerprint binding.
func NewResolver(tokens TokenVerifier, sshVerifier *SSHVerifier, dir Directory, logger *slog.Logger) *Resolver {
	return &Resolver{
		tokens: tokens,
		ssh:    sshVerifier,
		dir:    dir,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve validates the credentials in an auth payload and returns the
// connecting peer's Identity.
func (r *Resolver) Resolve(ctx context.Context, payload *wire.AuthPayload) (*identity.Identity, error) {
	switch {
	case payload.Token != "":
		return r.resolveToken(ctx, payload.Token)
	case payload.Signature != "":
		return r.resolveSSH(ctx, payload)
	default:
		return nil, fmt.Errorf("%w: no credential presented", ErrAuthRejected)
	}
}

// resolveToken checks the token locally, then maps claims to an identity.
// The remote lookup refreshes capabilities when a directory is configured.
func (r *Resolver) resolveToken(ctx context.Context, token string) (*identity.Identity, error) {
	claims, err := r.tokens.Verify(token)
	if err != nil {
		r.logger.Debug("token rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	ident := &identity.Identity{
		ID:           claims.IdentityID,
		Kind:         claims.Kind,
		Capabilities: identity.ParseCapabilities(claims.Capabilities),
	}

	if r.dir != nil {
		record, err := r.lookupWithRetry(ctx, claims.IdentityID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("%w: identity %s not in directory", ErrAuthRejected, claims.IdentityID)
		}
		if caps := identity.ParseCapabilities(record.Capabilities); len(caps) > 0 {
			ident.Capabilities = caps
		}
	}

	if len(ident.Capabilities) == 0 {
		ident.Capabilities = identity.DefaultCapabilities(ident.Kind)
	}

	return ident, nil
}

// resolveSSH verifies the signature and confirms the fingerprint is bound
// to the claimed identity in the directory.
func (r *Resolver) resolveSSH(ctx context.Context, payload *wire.AuthPayload) (*identity.Identity, error) {
	if r.ssh == nil || r.dir == nil {
		return nil, fmt.Errorf("%w: ssh auth not enabled", ErrAuthRejected)
	}
	if payload.IdentityID == "" {
		return nil, fmt.Errorf("%w: ssh auth requires identity_id", ErrAuthRejected)
	}

	fp, err := r.ssh.Verify(&SSHAuthRequest{
		Pubkey:    payload.Pubkey,
		Signature: payload.Signature,
		Timestamp: payload.SignedAt,
		Nonce:     payload.AuthNonce,
	})
	if err != nil {
		r.logger.Debug("ssh signature rejected", "identity_id", payload.IdentityID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	record, err := r.lookupWithRetry(ctx, payload.IdentityID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: identity %s not in directory", ErrAuthRejected, payload.IdentityID)
	}

	bound := false
	for _, known := range record.SSHFingerprints {
		if known == fp {
			bound = true
			break
		}
	}
	if !bound {
		return nil, fmt.Errorf("%w: fingerprint not bound to %s", ErrAuthRejected, payload.IdentityID)
	}

	kind := identity.Kind(record.Kind)
	if !kind.Valid() {
		kind = identity.KindNativeAgent
	}

	caps := identity.ParseCapabilities(record.Capabilities)
	if len(caps) == 0 {
		caps = identity.DefaultCapabilities(kind)
	}

	return &identity.Identity{
		ID:           payload.IdentityID,
		Kind:         kind,
		Capabilities: caps,
	}, nil
}

// lookupWithRetry calls the directory, retrying once with a short backoff
// on transport failure before surfacing ErrAuthServiceUnavailable. A nil
// record with nil error means the directory answered "unknown identity".
func (r *Resolver) lookupWithRetry(ctx context.Context, identityID string) (*DirectoryRecord, error) {
	record, err := r.dir.LookupIdentity(ctx, identityID)
	if err == nil {
		return record, nil
	}

	r.logger.Warn("directory lookup failed, retrying once", "identity_id", identityID, "error", err)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAuthServiceUnavailable, ctx.Err())
	case <-time.After(directoryRetryBackoff):
	}

	record, err = r.dir.LookupIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthServiceUnavailable, err)
	}
	return record, nil
}

// HTTPDirectory implements Directory against the backend's identity API:
// GET {base}/identities/{id} returning a DirectoryRecord, 404 for unknown.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory creates a directory client for the given base URL.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// LookupIdentity fetches the directory record for an identity. Returns
// (nil, nil) when the directory does not know the identity.
func (d *HTTPDirectory) LookupIdentity(ctx context.Context, identityID string) (*DirectoryRecord, error) {
	u := fmt.Sprintf("%s/identities/%s", d.baseURL, url.PathEscape(identityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading directory response: %w", err)
	}

	var record DirectoryRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("decoding directory response: %w", err)
	}
	return &record, nil
}
