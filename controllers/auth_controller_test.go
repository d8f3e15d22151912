package controllers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pricelab-backend/middleware"
	"pricelab-backend/models"
)

const testJWTSecret = "test-secret"

func newAuthTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.MigrateAdminModels(db))

	user := &models.AdminUser{Username: "admin", Email: "admin@pricelab.local", IsActive: true}
	require.NoError(t, user.SetPassword("s3cret"))
	require.NoError(t, db.Create(user).Error)

	inactive := &models.AdminUser{Username: "ghost", Email: "ghost@pricelab.local", IsActive: false}
	require.NoError(t, inactive.SetPassword("s3cret"))
	require.NoError(t, db.Create(inactive).Error)

	authController := NewAuthController(db, testJWTSecret)

	router := gin.New()
	router.POST("/api/v1/auth/login", authController.Login)

	protected := router.Group("/api/v1/protected")
	protected.Use(middleware.JWTAuthMiddleware(testJWTSecret))
	protected.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"username": c.GetString("username")})
	})

	return router, db
}

func TestLogin(t *testing.T) {
	router, db := newAuthTestRouter(t)

	t.Run("valid credentials issue a token", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/auth/login", gin.H{
			"username": "admin",
			"password": "s3cret",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Token     string `json:"token"`
			ExpiresAt string `json:"expires_at"`
			Username  string `json:"username"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, "admin", resp.Username)

		// Login records the time
		var user models.AdminUser
		require.NoError(t, db.Where("username = ?", "admin").First(&user).Error)
		assert.NotNil(t, user.LastLoginAt)
	})

	t.Run("wrong password", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/auth/login", gin.H{
			"username": "admin",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/auth/login", gin.H{
			"username": "nobody",
			"password": "s3cret",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("inactive user", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/auth/login", gin.H{
			"username": "ghost",
			"password": "s3cret",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/auth/login", gin.H{"username": "admin"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestJWTProtectedRoute(t *testing.T) {
	router, _ := newAuthTestRouter(t)

	login := doJSON(router, http.MethodPost, "/api/v1/auth/login", gin.H{
		"username": "admin",
		"password": "s3cret",
	})
	require.Equal(t, http.StatusOK, login.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &resp))

	t.Run("valid token passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		req.Header.Set("Authorization", "Bearer "+resp.Token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "admin")
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		req.Header.Set("Authorization", resp.Token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		other := gin.New()
		otherGroup := other.Group("/api/v1/protected")
		otherGroup.Use(middleware.JWTAuthMiddleware("different-secret"))
		otherGroup.GET("", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
		req.Header.Set("Authorization", "Bearer "+resp.Token)
		w := httptest.NewRecorder()
		other.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
