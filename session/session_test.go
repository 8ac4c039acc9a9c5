package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"

	"taskdeck/domain"
)

func signedToken(t *testing.T, secret []byte, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func localAuth(secret []byte) *Auth {
	return &Auth{
		Audience:    "api://aud",
		Issuer:      "https://issuer/",
		LocalMode:   true,
		LocalSecret: secret,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

type stubProfiles struct {
	calls int
	err   error
}

func (s *stubProfiles) FetchProfile(ctx context.Context, userID string) (domain.Profile, error) {
	s.calls++
	if s.err != nil {
		return domain.Profile{}, s.err
	}
	return domain.Profile{ID: userID, Name: "Ada"}, nil
}

func TestBearerTokenFromString(t *testing.T) {
	token, err := bearerTokenFromString("Bearer header.payload.signature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(token) != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}

	if _, err := bearerTokenFromString(""); err == nil || err.Error() != "missing authorization header" {
		t.Fatalf("expected missing header error, got %v", err)
	}
	if _, err := bearerTokenFromString("Basic abc"); err == nil || err.Error() != "bad auth header" {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerTokenFromString("Bearer " + strings.Repeat(".", 1000)); err == nil {
		t.Fatal("expected error for token with many periods")
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := localAuth(secret)

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signedToken(t, secret, "user-123"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromAuthHeaderExpired(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-5 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := localAuth(secret).UserIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestUserIDFromAuthHeaderIssuedInFuture(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(10 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := localAuth(secret).UserIDFromAuthHeader("Bearer " + signed); err == nil {
		t.Fatal("expected token issued in the future to be rejected")
	}
}

func TestServiceIdentityChangeNotifiesListeners(t *testing.T) {
	secret := []byte("test-secret")
	svc := New(localAuth(secret), &stubProfiles{}, nil, time.Minute)

	var changes []string
	svc.OnChange(func(userID string) { changes = append(changes, userID) })

	ctx := context.Background()
	header := "Bearer " + signedToken(t, secret, "u1")
	if _, err := svc.UserIDFromAuthHeader(ctx, header); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	// Same identity again must not re-notify.
	if _, err := svc.UserIDFromAuthHeader(ctx, header); err != nil {
		t.Fatalf("authenticate again: %v", err)
	}
	if _, err := svc.UserIDFromAuthHeader(ctx, "Bearer "+signedToken(t, secret, "u2")); err != nil {
		t.Fatalf("authenticate as u2: %v", err)
	}
	svc.SignOut(ctx)

	want := []string{"u1", "u2", ""}
	if len(changes) != len(want) {
		t.Fatalf("unexpected change sequence: %v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("change %d = %q, want %q", i, changes[i], want[i])
		}
	}
	if svc.CurrentUserID() != "" {
		t.Fatalf("expected empty identity after sign-out, got %q", svc.CurrentUserID())
	}
}

func TestServiceProfileCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	profiles := &stubProfiles{}
	svc := New(localAuth([]byte("s")), profiles, client, time.Minute)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		p, err := svc.Profile(ctx, "u1")
		if err != nil {
			t.Fatalf("profile: %v", err)
		}
		if p.ID != "u1" || p.Name != "Ada" {
			t.Fatalf("unexpected profile: %+v", p)
		}
	}
	if profiles.calls != 1 {
		t.Fatalf("expected one backend fetch, got %d", profiles.calls)
	}
	if ttl := mr.TTL(profileCacheKey("u1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	// Expiry forces a refetch.
	mr.FastForward(2 * time.Minute)
	if _, err := svc.Profile(ctx, "u1"); err != nil {
		t.Fatalf("profile after expiry: %v", err)
	}
	if profiles.calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", profiles.calls)
	}
}

func TestServiceSignOutEvictsProfile(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	secret := []byte("test-secret")
	svc := New(localAuth(secret), &stubProfiles{}, client, time.Minute)

	ctx := context.Background()
	if _, err := svc.UserIDFromAuthHeader(ctx, "Bearer "+signedToken(t, secret, "u1")); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := svc.Profile(ctx, "u1"); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !mr.Exists(profileCacheKey("u1")) {
		t.Fatal("expected cached profile before sign-out")
	}

	svc.SignOut(ctx)
	if mr.Exists(profileCacheKey("u1")) {
		t.Fatal("expected profile cache to be evicted on sign-out")
	}
}

func TestServiceProfileFetchErrorPropagates(t *testing.T) {
	wantErr := errors.New("backend down")
	svc := New(localAuth([]byte("s")), &stubProfiles{err: wantErr}, nil, time.Minute)

	if _, err := svc.Profile(context.Background(), "u1"); !errors.Is(err, wantErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
}
