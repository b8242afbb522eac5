package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyUserID    = "gateway_user_id"
	headerAuthorization = "Authorization"
	headerGatewayToken  = "X-Gateway-Token"
	bearerPrefix        = "Bearer "
)

var (
	errMissingToken = errors.New("missing gateway token")
	errInvalidToken = errors.New("invalid gateway token")
)

// GatewayClaims are the claims the API gateway signs for authenticated riders.
type GatewayClaims struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID prefers the gateway's id claim and falls back to the subject.
func (claims GatewayClaims) UserID() string {
	if strings.TrimSpace(claims.ID) != "" {
		return strings.TrimSpace(claims.ID)
	}
	return strings.TrimSpace(claims.Subject)
}

// GatewayAuth verifies the HS256 token forwarded by the API gateway and stores the caller's user id.
func GatewayAuth(secret []byte) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(ctx *gin.Context) {
		userID, err := authenticate(parser, secret, ctx.Request)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
			return
		}
		ctx.Set(contextKeyUserID, userID)
		ctx.Next()
	}
}

func authenticate(parser *jwt.Parser, secret []byte, request *http.Request) (string, error) {
	raw := strings.TrimSpace(request.Header.Get(headerGatewayToken))
	if raw == "" {
		authorization := request.Header.Get(headerAuthorization)
		if !strings.HasPrefix(authorization, bearerPrefix) {
			return "", errMissingToken
		}
		raw = strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	}
	if raw == "" {
		return "", errMissingToken
	}
	claims := &GatewayClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	userID := claims.UserID()
	if userID == "" {
		return "", errInvalidToken
	}
	return userID, nil
}

func gatewayUserID(ctx *gin.Context) string {
	return ctx.GetString(contextKeyUserID)
}
