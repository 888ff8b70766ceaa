package middleware_test

import (
	"net/http"
	"testing"
	"time"

	"boundary/internal/common/http/middleware"
	pkgerrors "boundary/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "unit-test-secret"
	testIssuer = "boundary"
)

func protectedRouter(verifier *middleware.TokenVerifier, policy middleware.AuthPolicy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.AuthMiddleware(verifier, policy))
	router.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("username"))
	})
	return router
}

func signToken(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	raw, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return raw
}

func accessToken(t *testing.T, subject, role string) string {
	t.Helper()
	return signToken(t, testSecret, map[string]interface{}{
		"role": role,
		"typ":  "access",
		"sub":  subject,
		"iss":  testIssuer,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(5 * time.Minute).Unix(),
	})
}

func TestAuthMiddlewarePublicMode(t *testing.T) {
	router := protectedRouter(nil, middleware.AuthPolicy{Mode: "public"})

	rec, _, err := performRequest(router, http.MethodGet, "/protected", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestAuthMiddlewareNilVerifier(t *testing.T) {
	router := protectedRouter(nil, middleware.AuthPolicy{Mode: "token"})

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.ServiceUnavailable) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token", Roles: []string{"operator", "admin"}})
	token := accessToken(t, "alice", "operator")

	rec, _, err := performRequest(router, http.MethodGet, "/protected", map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Body.String() != "alice" {
		t.Fatalf("unexpected subject: %q", rec.Body.String())
	}
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token"})

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", nil)
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TokenInvalid) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestAuthMiddlewareExpiredToken(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token"})
	token := signToken(t, testSecret, map[string]interface{}{
		"role": "operator",
		"typ":  "access",
		"sub":  "alice",
		"iss":  testIssuer,
		"iat":  time.Now().Add(-10 * time.Minute).Unix(),
		"exp":  time.Now().Add(-5 * time.Minute).Unix(),
	})

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TokenExpired) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestAuthMiddlewareRejectsRefreshToken(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token"})
	token := signToken(t, testSecret, map[string]interface{}{
		"role": "operator",
		"typ":  "refresh",
		"sub":  "alice",
		"iss":  testIssuer,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Minute).Unix(),
	})

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TokenInvalid) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestAuthMiddlewareWrongIssuer(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token"})
	token := signToken(t, testSecret, map[string]interface{}{
		"role": "operator",
		"typ":  "access",
		"sub":  "alice",
		"iss":  "someone-else",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Minute).Unix(),
	})

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TokenInvalid) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestAuthMiddlewareInsufficientRole(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token", Roles: []string{"admin"}})
	token := accessToken(t, "bob", "viewer")

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.Forbidden) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}

func TestAuthMiddlewareMalformedHeader(t *testing.T) {
	verifier := middleware.NewTokenVerifier(testSecret, testIssuer)
	router := protectedRouter(verifier, middleware.AuthPolicy{Mode: "token"})
	token := accessToken(t, "alice", "operator")

	rec, resp, err := performRequest(router, http.MethodGet, "/protected", map[string]string{"Authorization": "Token " + token})
	if err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if resp.Code != int(pkgerrors.TokenInvalid) {
		t.Fatalf("unexpected error code: %d", resp.Code)
	}
}
