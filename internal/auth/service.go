// Package auth implements the kernel's AuthService: registration,
// login with optional TOTP, bearer token issuance/verification, and
// logout revocation via a bounded server-side denylist.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/aether-run/aether/internal/common/config"
	"github.com/aether-run/aether/internal/common/logger"
	"github.com/aether-run/aether/internal/statestore"
)

var (
	ErrDuplicateUsername = errors.New("auth: username already registered")
	ErrWeakPassword       = errors.New("auth: password does not meet the minimum policy")
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrMFARequired        = errors.New("auth: totp code required")
	ErrInvalidMFA         = errors.New("auth: invalid totp code")
	ErrTokenInvalid       = errors.New("auth: token invalid or expired")
)

// Claims is the bearer token payload: {sub, username, role, exp}.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AuthResult pairs the authenticated user with an issued bearer token.
type AuthResult struct {
	User  *statestore.User
	Token string
}

// Service is the kernel's AuthService.
type Service struct {
	store *statestore.Store
	log   *logger.Logger

	secret          []byte
	tokenTTL        time.Duration
	minPasswordLen  int
	denylistMaxSize int

	mu       sync.Mutex
	denylist map[string]time.Time // jti -> expiry, for bounded eviction
	order    []string
}

// New constructs an AuthService backed by store, reading its tunables
// from cfg.Auth.
func New(store *statestore.Store, cfg *config.Config, log *logger.Logger) *Service {
	ttl := time.Duration(cfg.Auth.TokenDuration) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	minLen := cfg.Auth.MinPasswordLen
	if minLen <= 0 {
		minLen = 8
	}
	maxDenylist := cfg.Auth.DenylistMaxSize
	if maxDenylist <= 0 {
		maxDenylist = 10000
	}
	return &Service{
		store:           store,
		log:             log.WithFields(zap.String("component", "authService")),
		secret:          []byte(cfg.Auth.JWTSecret),
		tokenTTL:        ttl,
		minPasswordLen:  minLen,
		denylistMaxSize: maxDenylist,
		denylist:        make(map[string]time.Time),
	}
}

// Register creates a new account. The very first account created is
// granted the admin role, per spec.md §4.9.
func (s *Service) Register(ctx context.Context, username, password, displayName string) (*AuthResult, error) {
	if len(password) < s.minPasswordLen {
		return nil, ErrWeakPassword
	}
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrDuplicateUsername
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return nil, err
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	role := "user"
	if count == 0 {
		role = "admin"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &statestore.User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	token, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: u, Token: token}, nil
}

// Login authenticates a username/password pair, requiring a TOTP code
// with ±1 step tolerance when the account has MFA enabled.
func (s *Service) Login(ctx context.Context, username, password, totpCode string) (*AuthResult, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	if u.MFAEnabled {
		if totpCode == "" {
			return nil, ErrMFARequired
		}
		if !validateWithSkew(totpCode, u.MFASecret) {
			return nil, ErrInvalidMFA
		}
	}

	_ = s.store.UpdateLastLogin(ctx, u.ID, time.Now().UTC())

	token, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: u, Token: token}, nil
}

func validateWithSkew(code string, secret *string) bool {
	if secret == nil {
		return false
	}
	ok, err := totp.ValidateCustom(code, *secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1, // ±1 step tolerance, per spec.md §4.9
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// EnrollMFA generates and stores a new TOTP secret for a user, returning
// the provisioning key for the authenticator app.
func (s *Service) EnrollMFA(ctx context.Context, userID, username string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "aether", AccountName: username})
	if err != nil {
		return "", err
	}
	secret := key.Secret()
	if err := s.store.SetMFA(ctx, userID, &secret, true); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// VerifyToken parses and validates a bearer token, rejecting expired,
// tampered, or revoked ones. Matches internal/gateway/websocket's
// TokenVerifier shape so it can be wired in directly.
func (s *Service) VerifyToken(token string) (subject string, isAdmin bool, err error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false, ErrTokenInvalid
	}

	if s.isRevoked(claims.ID) {
		return "", false, ErrTokenInvalid
	}

	return claims.Subject, claims.Role == "admin", nil
}

// Logout revokes a token's jti on the server-side denylist until its
// natural expiry, at which point it ages out regardless.
func (s *Service) Logout(token string) error {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return ErrTokenInvalid
	}
	s.revoke(claims.ID, claims.ExpiresAt.Time)
	return nil
}

func (s *Service) issue(u *statestore.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) revoke(jti string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.denylist[jti]; !exists {
		s.order = append(s.order, jti)
	}
	s.denylist[jti] = expiry
	s.evictLocked()
}

func (s *Service) isRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.denylist[jti]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.denylist, jti)
		return false
	}
	return true
}

// evictLocked drops the oldest entries once the denylist exceeds its
// configured bound, so a flood of logouts can't grow it unbounded.
func (s *Service) evictLocked() {
	for len(s.order) > s.denylistMaxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.denylist, oldest)
	}
}
