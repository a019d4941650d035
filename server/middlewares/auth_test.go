package middlewares_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/server/config"
	"github.com/agentfabric/runtime/server/middlewares"
)

func TestNewOIDCAuthenticatorDisabled(t *testing.T) {
	cfg := config.Config{
		AuthConfig: config.AuthConfig{Enable: false},
	}

	auth, err := middlewares.NewOIDCAuthenticatorMiddleware(zap.NewNop(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &middlewares.OIDCAuthenticatorNoop{}, auth)
}

func TestNewOIDCAuthenticatorMissingFieldsFallsBackToNoop(t *testing.T) {
	cfg := config.Config{
		AuthConfig: config.AuthConfig{
			Enable:    true,
			IssuerURL: "http://keycloak:8080/realms/fabric-realm",
			ClientID:  "fabric-agent-client",
			// ClientSecret intentionally missing
		},
	}

	auth, err := middlewares.NewOIDCAuthenticatorMiddleware(zap.NewNop(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &middlewares.OIDCAuthenticatorNoop{}, auth)
}

func TestNoopAuthenticatorPassesRequestsThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	auth := &middlewares.OIDCAuthenticatorNoop{}
	router := gin.New()
	router.Use(auth.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestLoggingMiddlewareSkipsHealthcheck(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(middlewares.LoggingMiddleware(true))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/other", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for _, path := range []string{"/health", "/other"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusOK, recorder.Code)
	}
}
