package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/gin-gonic/gin"
)

const (
	subjectKey      = "subject"
	verifiedKey     = "subject_verified"
	devBypassHeader = "X-User-Sub"
)

// Authenticate resolves the caller's subject and aborts with 401 when there
// is none. Tokens are verified by the API Gateway authorizer; here the
// subject is read from the authorizer context or, behind a local server, from
// the bearer token's claims.
func Authenticate(devBypass bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, verified := subjectOf(c, devBypass)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(subjectKey, sub)
		c.Set(verifiedKey, verified)
		c.Next()
	}
}

// RequireSubject allows only the listed subjects through. A subject read
// from an unverified bearer token is never enough: it must come from the
// authorizer context or the dev bypass header.
func RequireSubject(subjects []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		allowed[s] = true
	}
	return func(c *gin.Context) {
		if !c.GetBool(verifiedKey) || !allowed[Subject(c)] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// Subject returns the authenticated caller.
func Subject(c *gin.Context) string { return c.GetString(subjectKey) }

// subjectOf reports the caller and whether something other than the raw
// bearer token vouched for it.
func subjectOf(c *gin.Context, devBypass bool) (string, bool) {
	if devBypass {
		if sub := strings.TrimSpace(c.GetHeader(devBypassHeader)); sub != "" {
			return sub, true
		}
	}
	if rc, ok := core.GetAPIGatewayContextFromContext(c.Request.Context()); ok {
		if claims, ok := rc.Authorizer["claims"].(map[string]interface{}); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				return sub, true
			}
		}
		if sub, _ := rc.Authorizer["principalId"].(string); sub != "" {
			return sub, true
		}
	}
	return subFromBearer(c.GetHeader("Authorization")), false
}

// subFromBearer reads the sub claim of a JWT bearer token without verifying
// its signature.
func subFromBearer(header string) string {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	parts := strings.Split(strings.TrimSpace(header[7:]), ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if json.Unmarshal(payload, &claims) != nil {
		return ""
	}
	return claims.Sub
}
