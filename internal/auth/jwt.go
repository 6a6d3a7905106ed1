// Package auth issues and validates the HS256 tokens used by agent sessions
// and widget customer sessions.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject        = "sub"
	claimAgentID        = "agent_id"
	claimCompanyID      = "company_id"
	claimType           = "typ"
	claimConversationID = "conversation_id"
	claimSessionID      = "session_id"
	widgetTokenType     = "widget_session"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// AgentClaims identifies an authenticated agent session.
type AgentClaims struct {
	AgentID   string
	CompanyID string
}

// GenerateAgentToken creates a signed JWT for an agent.
func GenerateAgentToken(agentID, companyID, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", time.Time{}, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(companyID) == "" {
		return "", time.Time{}, fmt.Errorf("company id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:   agentID,
		claimAgentID:   agentID,
		claimCompanyID: companyID,
		"iat":          now.Unix(),
		"exp":          expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// AgentFromContext extracts the agent claims from the request JWT.
func AgentFromContext(c echo.Context) (AgentClaims, error) {
	claims, err := mapClaims(c)
	if err != nil {
		return AgentClaims{}, err
	}
	out := AgentClaims{
		AgentID:   claimString(claims, claimAgentID),
		CompanyID: claimString(claims, claimCompanyID),
	}
	if out.AgentID == "" {
		out.AgentID = claimString(claims, claimSubject)
	}
	if out.AgentID == "" || out.CompanyID == "" {
		return AgentClaims{}, echo.NewHTTPError(http.StatusUnauthorized, "agent claims missing")
	}
	return out, nil
}

// WidgetClaims scopes a widget customer socket to one conversation.
type WidgetClaims struct {
	ConversationID string
	SessionID      string
	CompanyID      string
}

// GenerateWidgetToken creates a signed JWT for a widget customer session.
func GenerateWidgetToken(info WidgetClaims, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(info.ConversationID) == "" {
		return "", time.Time{}, fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(info.SessionID) == "" {
		return "", time.Time{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimType:           widgetTokenType,
		claimConversationID: info.ConversationID,
		claimSessionID:      info.SessionID,
		claimCompanyID:      info.CompanyID,
		"iat":               now.Unix(),
		"exp":               expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseWidgetToken validates a widget session token outside the echo
// middleware (used by the widget socket upgrade).
func ParseWidgetToken(raw, secret string) (WidgetClaims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return WidgetClaims{}, fmt.Errorf("invalid widget token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claimString(claims, claimType) != widgetTokenType {
		return WidgetClaims{}, fmt.Errorf("invalid widget token claims")
	}
	out := WidgetClaims{
		ConversationID: claimString(claims, claimConversationID),
		SessionID:      claimString(claims, claimSessionID),
		CompanyID:      claimString(claims, claimCompanyID),
	}
	if out.ConversationID == "" || out.SessionID == "" {
		return WidgetClaims{}, fmt.Errorf("widget claims missing")
	}
	return out, nil
}

func mapClaims(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
