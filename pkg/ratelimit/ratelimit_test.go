package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedTokenBucket_PerKey(t *testing.T) {
	limiter := NewKeyedTokenBucket(0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, _ := limiter.Allow(ctx, "wf-1")
	assert.False(t, ok, "third call within the burst window must be rejected")

	ok, _ = limiter.Allow(ctx, "wf-2")
	assert.True(t, ok, "other keys have their own bucket")
}

func TestKeyedTokenBucket_Sweep(t *testing.T) {
	limiter := NewKeyedTokenBucket(1, 1)
	_, _ = limiter.Allow(context.Background(), "a")

	assert.Equal(t, 0, limiter.Sweep(time.Now()))
	assert.Equal(t, 1, limiter.Sweep(time.Now().Add(time.Hour)))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	limiter := NewKeyedTokenBucket(0.001, 1)
	router.POST("/hooks/:workflowId", Middleware(limiter, ParamKeyFunc("workflowId")), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(id string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hooks/"+id, nil)
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("wf-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("wf-1"))
	assert.Equal(t, http.StatusOK, do("wf-2"))
}
