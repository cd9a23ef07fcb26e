package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"locker-control-backend/internal/store"
)

func setupSubscriptionRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	r := gin.New()
	handler := NewHandler(Deps{Store: store.NewGormStore(gormDB)})
	r.PUT("/api/subscriptions", handler.PutSubscription)
	r.GET("/api/subscriptions", handler.GetSubscription)
	return r, mock
}

func TestPutSubscription_InvalidBody(t *testing.T) {
	router, _ := setupSubscriptionRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("PUT", "/api/subscriptions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid_request","message":"invalid request"}`, w.Body.String())
}

func TestGetSubscription_MissingEndpoint(t *testing.T) {
	router, _ := setupSubscriptionRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/subscriptions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSubscription_NotFound(t *testing.T) {
	router, mock := setupSubscriptionRouter(t)

	mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE endpoint = \$1`).
		WithArgs("https://push.example.com/a%2Fb", 1).
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/subscriptions?endpoint=https://push.example.com/a%2Fb", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	endpoint := "https://push.example.com/sub-1"

	w := env.do(http.MethodPut, "/api/subscriptions", gin.H{"endpoint": endpoint, "p256dh": "p", "auth": "a", "kiosks": []string{"kiosk-9"}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown kiosk")

	w = env.do(http.MethodPut, "/api/subscriptions", gin.H{"endpoint": endpoint, "p256dh": "p", "auth": "a", "kiosks": []string{"kiosk-1", "kiosk-2"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+endpoint, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"kiosks":["kiosk-1","kiosk-2"]}`, w.Body.String())

	// Replacing narrows the scope.
	w = env.do(http.MethodPut, "/api/subscriptions", gin.H{"endpoint": endpoint, "p256dh": "p2", "auth": "a2", "kiosks": []string{"kiosk-2"}})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+endpoint, nil)
	assert.JSONEq(t, `{"kiosks":["kiosk-2"]}`, w.Body.String())

	w = env.do(http.MethodDelete, "/api/subscriptions", gin.H{"endpoint": endpoint})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+endpoint, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
