package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mhc-wallet/mhc_wallet/internal/config"
	"github.com/mhc-wallet/mhc_wallet/internal/identity"
)

// ErrUnauthenticated means there is no valid session behind a request.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

type Service struct {
	cfg    config.Config
	idRepo identity.Repository
	now    func() time.Time
}

func NewService(cfg config.Config, idRepo identity.Repository) *Service {
	return &Service{cfg: cfg, idRepo: idRepo, now: time.Now}
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Identity is the authenticated subject behind an access token.
type Identity struct {
	SubjectID    string
	TokenVersion int
}

// Login issues a token pair for an already authenticated user.
func (s *Service) Login(user identity.User) (TokenPair, error) {
	access, err := s.sign(user.ID, user.TokenVersion, tokenAccess, []byte(s.cfg.JWTSecret), s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(user.ID, user.TokenVersion, tokenRefresh, []byte(s.cfg.RefreshSecret), s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.cfg.AccessTokenTTL.Seconds())}, nil
}

func (s *Service) sign(sub string, version int, kind string, secret []byte, ttl time.Duration) (string, error) {
	now := s.now()
	claims := map[string]any{
		"sub": sub,
		"ver": version,
		"typ": kind,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return SignHS256(claims, secret)
}

// verify checks signature, kind, expiry and token version against the user row.
func (s *Service) verify(ctx context.Context, token, kind string, secret []byte) (Identity, error) {
	claims, err := ParseAndVerifyHS256(token, secret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if typ, _ := claims["typ"].(string); typ != kind {
		return Identity{}, fmt.Errorf("%w: wrong token type", ErrUnauthenticated)
	}
	exp, _ := claims["exp"].(float64)
	if int64(exp) <= s.now().Unix() {
		return Identity{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	sub, _ := claims["sub"].(string)
	verFloat, _ := claims["ver"].(float64)
	ver := int(verFloat)

	user, err := s.idRepo.FindByID(ctx, sub)
	if errors.Is(err, identity.ErrUserNotFound) {
		return Identity{}, fmt.Errorf("%w: user not found", ErrUnauthenticated)
	}
	if err != nil {
		return Identity{}, err
	}
	if user.TokenVersion != ver {
		return Identity{}, fmt.Errorf("%w: token version invalidated", ErrUnauthenticated)
	}
	return Identity{SubjectID: sub, TokenVersion: ver}, nil
}

// CurrentSession resolves an access token to its subject, or ErrUnauthenticated.
func (s *Service) CurrentSession(ctx context.Context, accessToken string) (Identity, error) {
	return s.verify(ctx, accessToken, tokenAccess, []byte(s.cfg.JWTSecret))
}

// Refresh verifies the refresh token and returns a new access token if valid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	id, err := s.verify(ctx, refreshToken, tokenRefresh, []byte(s.cfg.RefreshSecret))
	if err != nil {
		return "", 0, err
	}
	signed, err := s.sign(id.SubjectID, id.TokenVersion, tokenAccess, []byte(s.cfg.JWTSecret), s.cfg.AccessTokenTTL)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.cfg.AccessTokenTTL.Seconds()), nil
}

// Logout increments token version so older tokens become invalid.
func (s *Service) Logout(ctx context.Context, userID string) error {
	user, err := s.idRepo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.idRepo.UpdateTokenVersion(ctx, user.ID, user.TokenVersion+1)
}
