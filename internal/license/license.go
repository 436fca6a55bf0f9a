// Package license verifies and serves installed product licenses.
//
// A license is distributed as a single-line blob:
//
//	ENC-LICENSE-V1:<base64url payload>:<base64url signature>
//
// The payload is a JSON document describing the licensee and feature set; the
// signature is HMAC-SHA256 over a canonical rendering of the payload fields,
// keyed by the deployment's license secret.
package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const blobPrefix = "ENC-LICENSE-V1:"

var (
	// ErrNoLicense indicates no license blob has been installed.
	ErrNoLicense = errors.New("no license installed")
	// ErrDenied indicates the installed license does not unlock a feature.
	ErrDenied = errors.New("license denied")
)

// Payload is the signed portion of a license blob.
type Payload struct {
	Product   string   `json:"product"`
	Licensee  string   `json:"licensee"`
	IssuedAt  string   `json:"issued_at"`
	NotBefore string   `json:"not_before,omitempty"`
	ExpiresAt string   `json:"expires_at"`
	Features  []string `json:"features"`
}

// Status is the externally visible license state.
type Status struct {
	Valid     bool     `json:"valid"`
	Reason    string   `json:"reason,omitempty"`
	Product   string   `json:"product,omitempty"`
	Licensee  string   `json:"licensee,omitempty"`
	IssuedAt  string   `json:"issued_at,omitempty"`
	NotBefore string   `json:"not_before,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	Features  []string `json:"features,omitempty"`
}

// DeniedError reports a feature the current license does not unlock.
type DeniedError struct {
	Feature string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("license does not permit %q: %s", e.Feature, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Guard holds the installed license and answers feature checks.
type Guard struct {
	secret []byte
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	payload *Payload
	invalid string // reason the stored blob failed verification, if any

	now func() time.Time
}

// NewGuard loads any previously installed license from path. A missing file is
// not an error; the guard starts in the "no license installed" state.
func NewGuard(secret, path string, logger *zap.Logger) *Guard {
	g := &Guard{
		secret: []byte(secret),
		path:   path,
		logger: logger,
		now:    time.Now,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("license file unreadable", zap.String("path", path), zap.Error(err))
		}
		return g
	}
	payload, err := g.verify(strings.TrimSpace(string(data)))
	if err != nil {
		logger.Warn("stored license failed verification", zap.Error(err))
		g.invalid = err.Error()
		return g
	}
	g.payload = payload
	logger.Info("license loaded",
		zap.String("licensee", payload.Licensee),
		zap.String("expires_at", payload.ExpiresAt),
	)
	return g
}

// Install verifies blob and, if valid, persists it and activates it.
// The blob must verify at install time; expiry is still re-checked on use.
func (g *Guard) Install(blob string) (Status, error) {
	blob = strings.TrimSpace(blob)
	payload, err := g.verify(blob)
	if err != nil {
		return Status{}, err
	}
	if reason := g.temporalReason(payload); reason != "" {
		return Status{}, errors.New(reason)
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0750); err != nil {
		return Status{}, fmt.Errorf("create license dir: %w", err)
	}
	if err := os.WriteFile(g.path, []byte(blob+"\n"), 0640); err != nil {
		return Status{}, fmt.Errorf("write license: %w", err)
	}

	g.mu.Lock()
	g.payload = payload
	g.invalid = ""
	g.mu.Unlock()

	g.logger.Info("license installed",
		zap.String("licensee", payload.Licensee),
		zap.Strings("features", payload.Features),
	)
	return g.Status(), nil
}

// Status reports the current license state. Expiry and not-before are
// evaluated against the current clock on every call.
func (g *Guard) Status() Status {
	g.mu.RLock()
	payload, invalid := g.payload, g.invalid
	g.mu.RUnlock()

	if payload == nil {
		reason := "no license installed"
		if invalid != "" {
			reason = invalid
		}
		return Status{Valid: false, Reason: reason}
	}

	st := Status{
		Product:   payload.Product,
		Licensee:  payload.Licensee,
		IssuedAt:  payload.IssuedAt,
		NotBefore: payload.NotBefore,
		ExpiresAt: payload.ExpiresAt,
		Features:  payload.Features,
	}
	if reason := g.temporalReason(payload); reason != "" {
		st.Reason = reason
		return st
	}
	st.Valid = true
	return st
}

// Require returns nil when the active license unlocks feature, and a
// *DeniedError otherwise. Feature comparison is case-insensitive.
func (g *Guard) Require(feature string) error {
	st := g.Status()
	if !st.Valid {
		return &DeniedError{Feature: feature, Reason: st.Reason}
	}
	for _, f := range st.Features {
		if strings.EqualFold(f, feature) {
			return nil
		}
	}
	return &DeniedError{Feature: feature, Reason: "feature not included in license"}
}

func (g *Guard) temporalReason(p *Payload) string {
	now := g.now().UTC()
	if p.NotBefore != "" {
		nb, err := parseTime(p.NotBefore)
		if err != nil {
			return "not_before timestamp invalid"
		}
		if now.Before(nb) {
			return "not yet valid"
		}
	}
	if p.ExpiresAt != "" {
		exp, err := parseTime(p.ExpiresAt)
		if err != nil {
			return "expires_at timestamp invalid"
		}
		if !now.Before(exp) {
			return "expired at " + p.ExpiresAt
		}
	}
	return ""
}

// verify decodes the blob and checks the HMAC signature. Temporal validity is
// not checked here.
func (g *Guard) verify(blob string) (*Payload, error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return nil, errors.New("unrecognized license format")
	}
	parts := strings.Split(strings.TrimPrefix(blob, blobPrefix), ":")
	if len(parts) != 2 {
		return nil, errors.New("malformed license blob")
	}
	rawPayload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errors.New("malformed license payload")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.New("malformed license signature")
	}

	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, errors.New("malformed license payload")
	}

	if len(g.secret) == 0 {
		return nil, errors.New("license secret not configured")
	}
	if !hmac.Equal(sig, Sign(g.secret, &payload)) {
		return nil, errors.New("signature invalid")
	}
	return &payload, nil
}

// Sign computes the HMAC-SHA256 signature over the canonical payload string.
func Sign(secret []byte, p *Payload) []byte {
	features := append([]string(nil), p.Features...)
	sort.Strings(features)
	canonical := strings.Join([]string{
		p.Product,
		p.Licensee,
		p.IssuedAt,
		p.NotBefore,
		p.ExpiresAt,
		strings.Join(features, ","),
	}, "|")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

// Encode renders a payload plus signature into the blob format. Used by the
// issuing side and by tests.
func Encode(secret []byte, p *Payload) string {
	raw, _ := json.Marshal(p)
	return blobPrefix +
		base64.RawURLEncoding.EncodeToString(raw) + ":" +
		base64.RawURLEncoding.EncodeToString(Sign(secret, p))
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
