package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
)

// ErrTokenRejected - общий признак отказа; причина обернута внутри.
var ErrTokenRejected = errors.New("auth: token rejected")

// Policy - требования к токену оператора сверх подписи.
// Пустые Issuer/Audience не проверяются, exp обязателен всегда.
type Policy struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// PolicyFromConfig берет требования из секции auth.
func PolicyFromConfig(cfg infra.AuthConfig) Policy {
	return Policy{Issuer: cfg.Issuer, Audience: cfg.Audience, Leeway: cfg.Leeway}
}

// Validator проверяет RS256 токены клиентов детектора (HTTP и gRPC).
type Validator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewValidator(pub *rsa.PublicKey, p Policy) *Validator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}
	if p.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.Audience))
	}
	if p.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(p.Leeway))
	}
	return &Validator{publicKey: pub, parser: jwt.NewParser(opts...)}
}

// VerifyToken принимает значение заголовка Authorization с префиксом Bearer или без него.
func (v *Validator) VerifyToken(header string) (*domain.CustomClaims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenRejected)
	}

	claims := &domain.CustomClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRejected, err)
	}
	// Без user_id результат нельзя отнести к оператору в логах
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrTokenRejected)
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ проверки подписи.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
