// Package token implements the credential authority: it issues HMAC-signed
// device credentials and validates them against live registry state.
//
// A signature check is necessary but never sufficient. A credential only
// validates while its device record is active and names the credential's id
// as current, so revocation, renewal and deregistration take effect on the
// very next check without any blocklist.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/registry"
)

const (
	DefaultTTL   = 24 * time.Hour
	DefaultGrace = 0.1
)

// Registry is the subset of the device registry the authority depends on.
type Registry interface {
	Register(ctx context.Context, rec domain.DeviceRecord) error
	Authorize(deviceID, tokenID string) (domain.DeviceRecord, error)
	Revoke(ctx context.Context, deviceID string) (domain.DeviceRecord, error)
	ReplaceToken(ctx context.Context, deviceID, oldID, newID string) (domain.DeviceRecord, error)
	Deregister(ctx context.Context, deviceID string) error
}

// Claims is the signed credential body.
type Claims struct {
	DeviceID string          `json:"device_id"`
	Metadata domain.Metadata `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Options configures an Authority.
type Options struct {
	Secret   []byte
	TTL      time.Duration
	Grace    float64
	Registry Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

// Authority issues and validates device credentials.
type Authority struct {
	secret []byte
	ttl    time.Duration
	grace  float64
	reg    Registry
	log    *slog.Logger
	now    func() time.Time
	parser *jwt.Parser
}

// New validates opts and returns an Authority.
func New(opts Options) (*Authority, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("token authority requires a registry")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TTL < time.Second {
		return nil, errors.New("token ttl must be at least one second")
	}
	if opts.Grace <= 0 || opts.Grace >= 1 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authority{
		secret: append([]byte(nil), opts.Secret...),
		ttl:    opts.TTL,
		grace:  opts.Grace,
		reg:    opts.Registry,
		log:    opts.Logger,
		now:    opts.Now,
		// Expiry is checked by hand below so it maps onto its own error kind
		// and follows the authority's clock.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// TTL returns the configured credential lifetime.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

// Issue registers deviceID with a fresh credential. It fails with
// [domain.ErrConflict] when the device already has an active record.
func (a *Authority) Issue(ctx context.Context, deviceID string, md domain.Metadata) (domain.Credential, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return domain.Credential{}, errors.New("device id is required")
	}
	cred, err := a.sign(deviceID, md)
	if err != nil {
		return domain.Credential{}, err
	}
	rec := domain.DeviceRecord{
		DeviceID:       deviceID,
		Metadata:       md,
		Status:         domain.StatusActive,
		RegisteredAt:   cred.IssuedAt,
		LastSeen:       cred.IssuedAt,
		CurrentTokenID: cred.TokenID,
	}
	if err := a.reg.Register(ctx, rec); err != nil {
		return domain.Credential{}, err
	}
	return cred, nil
}

func (a *Authority) sign(deviceID string, md domain.Metadata) (domain.Credential, error) {
	// NumericDate has second precision; truncating keeps the returned
	// credential identical to what a later parse yields.
	iat := a.now().UTC().Truncate(time.Second)
	exp := iat.Add(a.ttl)
	jti := uuid.NewString()
	snapshot := md.Clone()

	claims := Claims{
		DeviceID: deviceID,
		Metadata: snapshot,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sign credential: %w", err)
	}
	return domain.Credential{
		Token:      signed,
		TokenID:    jti,
		DeviceID:   deviceID,
		IssuedAt:   iat,
		ExpiresAt:  exp,
		Metadata:   snapshot.Clone(),
		RenewAfter: renewAfter(iat, exp, a.grace),
	}, nil
}

func renewAfter(iat, exp time.Time, grace float64) time.Time {
	window := time.Duration(float64(exp.Sub(iat)) * grace)
	return exp.Add(-window)
}

// Parse verifies the signature and decodes the claims. It does not consult
// the registry.
func (a *Authority) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, domain.NewAuthError(domain.AuthBadSignature, err)
	}
	if claims.DeviceID == "" || claims.ID == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, domain.NewAuthError(domain.AuthBadSignature, errors.New("credential is missing required claims"))
	}
	if claims.Subject != "" && claims.Subject != claims.DeviceID {
		return nil, domain.NewAuthError(domain.AuthBadSignature, errors.New("credential subject does not match device"))
	}
	if !a.now().Before(claims.ExpiresAt.Time) {
		return nil, domain.NewAuthError(domain.AuthExpired, nil)
	}
	return claims, nil
}

// Validate checks raw against the signature, expiry and the registry. On
// success the device's last_seen has been advanced.
func (a *Authority) Validate(raw string) (domain.DeviceRecord, error) {
	claims, err := a.Parse(raw)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	return a.authorize(claims)
}

func (a *Authority) authorize(claims *Claims) (domain.DeviceRecord, error) {
	rec, err := a.reg.Authorize(claims.DeviceID, claims.ID)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, registry.ErrRevoked):
		return domain.DeviceRecord{}, domain.NewAuthError(domain.AuthUnknownDevice, err)
	case errors.Is(err, registry.ErrTokenMismatch):
		return domain.DeviceRecord{}, domain.NewAuthError(domain.AuthStale, err)
	case errors.Is(err, registry.ErrNoCurrentToken):
		a.log.Error("registry inconsistency: active device without current credential", "device_id", claims.DeviceID, "token_id", claims.ID)
		return domain.DeviceRecord{}, domain.NewAuthError(domain.AuthUnknownDevice, err)
	default:
		a.log.Error("credential authorization failed", "device_id", claims.DeviceID, "err", err)
		return domain.DeviceRecord{}, domain.NewAuthError(domain.AuthUnknownDevice, err)
	}
}

// Renew replaces a valid credential inside its grace window. The new
// credential carries the same device id and metadata snapshot; the old one
// stops validating as soon as Renew returns.
func (a *Authority) Renew(ctx context.Context, raw string) (domain.Credential, error) {
	claims, err := a.Parse(raw)
	if err != nil {
		return domain.Credential{}, err
	}
	if _, err := a.authorize(claims); err != nil {
		return domain.Credential{}, err
	}
	opens := renewAfter(claims.IssuedAt.Time, claims.ExpiresAt.Time, a.grace)
	if a.now().Before(opens) {
		return domain.Credential{}, fmt.Errorf("%w: renewable after %s", domain.ErrRenewTooEarly, opens.UTC().Format(time.RFC3339))
	}

	next, err := a.sign(claims.DeviceID, claims.Metadata)
	if err != nil {
		return domain.Credential{}, err
	}
	if _, err := a.reg.ReplaceToken(ctx, claims.DeviceID, claims.ID, next.TokenID); err != nil {
		switch {
		case errors.Is(err, registry.ErrTokenMismatch):
			return domain.Credential{}, domain.NewAuthError(domain.AuthStale, err)
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, registry.ErrRevoked):
			return domain.Credential{}, domain.NewAuthError(domain.AuthUnknownDevice, err)
		default:
			return domain.Credential{}, err
		}
	}
	a.log.Info("credential renewed", "device_id", claims.DeviceID, "token_id", next.TokenID)
	return next, nil
}

// Revoke invalidates every credential of deviceID.
func (a *Authority) Revoke(ctx context.Context, deviceID string) error {
	_, err := a.reg.Revoke(ctx, deviceID)
	return err
}

// Deregister removes deviceID; its credential stops validating in the same
// registry step.
func (a *Authority) Deregister(ctx context.Context, deviceID string) error {
	return a.reg.Deregister(ctx, deviceID)
}
