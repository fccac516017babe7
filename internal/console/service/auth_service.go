package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// OperatorProvider looks operators up by login (Postgres or static config).
type OperatorProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
}

type AuthService struct {
	*auth.BaseValidator
	operators  OperatorProvider
	privateKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewAuthService(operators OperatorProvider, privateKey *rsa.PrivateKey, issuer string, ttl time.Duration, logger *zap.Logger) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(&privateKey.PublicKey, issuer),
		operators:     operators,
		privateKey:    privateKey,
		issuer:        issuer,
		ttl:           ttl,
		now:           time.Now,
		logger:        logger.Named("auth-service"),
	}
}

// GenerateToken checks the bcrypt hash and issues an RS256 token carrying the
// operator scopes. Unknown user and wrong password are indistinguishable.
func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	op, err := s.operators.GetOperatorByUsername(ctx, username)
	if err != nil || op == nil {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("operator lookup failed", zap.String("username", username), zap.Error(err))
		}
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &domain.CustomClaims{
		UserID: op.ID,
		Scopes: op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.logger.Info("operator token issued", zap.String("operator", op.Username))
	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}
