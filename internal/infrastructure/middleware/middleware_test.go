package middleware

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"videorelay/internal/core/services"
	"videorelay/pkg/errors"
	"videorelay/pkg/logger"
	"videorelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errGone = stderrors.New("gone")

func testAuthorizer() *services.TokenAuthorizer {
	return services.NewTokenAuthorizer(services.AuthConfig{
		Secret:         "secret",
		AccessTokenTTL: time.Hour,
		QueryParam:     "token",
		AdminRoles:     []string{"admin"},
		StaffRoles:     []string{"staff"},
	})
}

func TestErrorHandlerMiddleware_Mappings(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar(), errors.Mapping{
		Target: errGone,
		Build:  func(err error) *errors.AppError { return errors.NewNotFoundError("stream") },
	}))
	router.GET("/mapped", func(c *gin.Context) { _ = c.Error(errGone) })
	router.GET("/app", func(c *gin.Context) { _ = c.Error(errors.NewInvalidInputError("bad index")) })
	router.GET("/other", func(c *gin.Context) { _ = c.Error(stderrors.New("boom")) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mapped", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad index")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("nil sink") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := testAuthorizer()

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/admin", OptionalAuthMiddleware(auth), RequireAdmin(auth), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("viewer"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	staff, err := auth.GenerateToken("judge", "staff")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+staff)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	admin, err := auth.GenerateToken("cds", "admin")
	require.NoError(t, err)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin?token="+admin, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cds", w.Body.String())
}

func TestRequestIDAndLogging(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(RequestIDMiddleware(), RequestLoggingMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/stream/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/status", nil))
	id := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, id)

	req := httptest.NewRequest(http.MethodGet, "/stream/status", nil)
	req.Header.Set(RequestIDHeader, "given")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "given", w.Header().Get(RequestIDHeader))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, id, entries[0].ContextMap()["request_id"])
	assert.Equal(t, "given", entries[1].ContextMap()["request_id"])
}

func TestTracingMiddleware_TagsVideoRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()), TracingMiddleware())
	router.GET("/stream/:index", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/stream/channel/:index", func(c *gin.Context) {
		_ = c.Error(errors.NewInvalidInputError("bad channel"))
	})

	for _, path := range []string{"/stream/2", "/stream/channel/7"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := rec.Ended()
	require.Len(t, spans, 2)

	attrs := func(i int) map[attribute.Key]attribute.Value {
		out := map[attribute.Key]attribute.Value{}
		for _, kv := range spans[i].Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	stream := attrs(0)
	assert.Equal(t, int64(2), stream[tracing.StreamIndexKey].AsInt64())
	assert.Equal(t, int64(http.StatusNoContent), stream["http.status_code"].AsInt64())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	channel := attrs(1)
	assert.Equal(t, int64(7), channel[tracing.ChannelIndexKey].AsInt64())
	_, tagged := channel[tracing.StreamIndexKey]
	assert.False(t, tagged)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
