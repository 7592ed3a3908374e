package domain

import "github.com/golang-jwt/jwt/v5"

// ScopeDetect - право отправлять телеметрию на детекцию.
const ScopeDetect = "telemetry.detect"

// ScopeEvaluate - право загружать разметку и читать точность детекции.
const ScopeEvaluate = "telemetry.evaluate"

// CustomClaims - полезная нагрузка RS256 токена, которым подписаны клиенты API.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "telemetry.detect": true
	jwt.RegisteredClaims
}

// HasScope - проверка права без паники на nil-мапе.
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[scope] || c.Scopes["admin"]
}
