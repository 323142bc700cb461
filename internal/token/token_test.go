package token

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/registry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAuthority(t *testing.T) (*Authority, *registry.Registry, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(clock.Now))
	a, err := New(Options{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Registry: reg,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return a, reg, clock
}

func devMetadata() domain.Metadata {
	return domain.Metadata{"url": "http://dev1:9000", "site": "lab"}
}

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	cred, err := a.Issue(context.Background(), "dev1", devMetadata())
	require.NoError(t, err)
	require.Equal(t, "dev1", cred.DeviceID)
	require.Equal(t, clock.Now().Add(24*time.Hour), cred.ExpiresAt)
	require.Equal(t, cred.ExpiresAt.Add(-144*time.Minute), cred.RenewAfter)
	require.NotEmpty(t, cred.TokenID)

	rec, err := a.Validate(cred.Token)
	require.NoError(t, err)
	require.Equal(t, "dev1", rec.DeviceID)
	require.Equal(t, cred.TokenID, rec.CurrentTokenID)
}

func TestIssueConflict(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)
	ctx := context.Background()
	_, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)
	_, err = a.Issue(ctx, "dev1", devMetadata())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestMetadataIsSnapshotAtIssue(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)
	md := devMetadata()
	cred, err := a.Issue(context.Background(), "dev1", md)
	require.NoError(t, err)
	md["site"] = "changed"

	claims, err := a.Parse(cred.Token)
	require.NoError(t, err)
	require.Equal(t, "lab", claims.Metadata["site"])
	require.Equal(t, "lab", cred.Metadata["site"])
}

func TestValidateBadSignature(t *testing.T) {
	t.Parallel()

	a, reg, clock := newTestAuthority(t)
	cred, err := a.Issue(context.Background(), "dev1", devMetadata())
	require.NoError(t, err)

	other, err := New(Options{Secret: []byte("another-secret-another-secret-00"), Registry: reg, Now: clock.Now})
	require.NoError(t, err)
	_, err = other.Validate(cred.Token)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	parts := strings.Split(cred.Token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	_, err = a.Validate(parts[0] + "." + parts[1] + "." + string(sig))
	require.ErrorIs(t, err, domain.ErrBadSignature)

	_, err = a.Validate("not-a-token")
	require.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestValidateRejectsUnsignedAlgorithm(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	cred, err := a.Issue(context.Background(), "dev1", devMetadata())
	require.NoError(t, err)

	claims := Claims{
		DeviceID: "dev1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.TokenID,
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Validate(forged)
	require.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestValidateExpired(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	cred, err := a.Issue(context.Background(), "dev1", devMetadata())
	require.NoError(t, err)

	clock.Advance(24*time.Hour - time.Second)
	_, err = a.Validate(cred.Token)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = a.Validate(cred.Token)
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestRevokeIsImmediate(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)
	ctx := context.Background()
	cred, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)
	_, err = a.Validate(cred.Token)
	require.NoError(t, err)

	require.NoError(t, a.Revoke(ctx, "dev1"))
	_, err = a.Validate(cred.Token)
	require.ErrorIs(t, err, domain.ErrUnknownDevice)
}

func TestRenewInsideGraceWindow(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	ctx := context.Background()
	old, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)

	clock.Advance(time.Duration(float64(24*time.Hour) * 0.9))
	next, err := a.Renew(ctx, old.Token)
	require.NoError(t, err)
	require.NotEqual(t, old.TokenID, next.TokenID)
	require.Equal(t, old.DeviceID, next.DeviceID)
	require.Equal(t, old.Metadata, next.Metadata)

	_, err = a.Validate(old.Token)
	require.ErrorIs(t, err, domain.ErrStale)
	rec, err := a.Validate(next.Token)
	require.NoError(t, err)
	require.Equal(t, next.TokenID, rec.CurrentTokenID)

	_, err = a.Renew(ctx, old.Token)
	require.ErrorIs(t, err, domain.ErrStale, "a replaced credential cannot be renewed again")
}

func TestRenewTooEarly(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	ctx := context.Background()
	cred, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)

	clock.Advance(12 * time.Hour)
	_, err = a.Renew(ctx, cred.Token)
	require.ErrorIs(t, err, domain.ErrRenewTooEarly)

	_, err = a.Validate(cred.Token)
	require.NoError(t, err, "a refused renewal leaves the credential valid")
}

func TestRenewExpiredCredential(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	cred, err := a.Issue(context.Background(), "dev1", devMetadata())
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	_, err = a.Renew(context.Background(), cred.Token)
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestReRegisterAfterDeregister(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)
	ctx := context.Background()
	first, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)

	require.NoError(t, a.Deregister(ctx, "dev1"))
	_, err = a.Validate(first.Token)
	require.ErrorIs(t, err, domain.ErrUnknownDevice)

	second, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)
	_, err = a.Validate(first.Token)
	require.Error(t, err)
	_, err = a.Validate(second.Token)
	require.NoError(t, err)

	require.ErrorIs(t, a.Deregister(ctx, "ghost"), domain.ErrNotFound)
}

func TestAtMostOneValidCredential(t *testing.T) {
	t.Parallel()

	a, _, clock := newTestAuthority(t)
	ctx := context.Background()
	creds := []domain.Credential{}
	cred, err := a.Issue(ctx, "dev1", devMetadata())
	require.NoError(t, err)
	creds = append(creds, cred)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Duration(float64(a.TTL()) * 0.95))
		cred, err = a.Renew(ctx, cred.Token)
		require.NoError(t, err)
		creds = append(creds, cred)

		valid := 0
		for _, c := range creds {
			if _, err := a.Validate(c.Token); err == nil {
				valid++
			}
		}
		require.Equal(t, 1, valid)
	}
}

func TestInconsistentRecordFailsClosed(t *testing.T) {
	t.Parallel()

	a, reg, _ := newTestAuthority(t)
	cred, err := a.sign("dev1", devMetadata())
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), domain.DeviceRecord{DeviceID: "dev1"}))

	_, err = a.Validate(cred.Token)
	require.ErrorIs(t, err, domain.ErrUnknownDevice)
}

func TestNewRequiresSecretAndRegistry(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Registry: registry.New()})
	require.Error(t, err)
	_, err = New(Options{Secret: []byte("x")})
	require.Error(t, err)
}
