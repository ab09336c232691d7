package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("order o-1: %w", interfaces.ErrNotFound), http.StatusNotFound},
		{interfaces.ErrInvalidTransition, http.StatusConflict},
		{interfaces.ErrConcurrentUpdate, http.StatusConflict},
		{fmt.Errorf("%w: ledger down", interfaces.ErrTransientInfra), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p := FromError(tt.err, "/orders/o-1")
		assert.Equal(t, tt.status, p.Status, tt.err.Error())
		assert.Equal(t, http.StatusText(tt.status), p.Title)
		assert.Equal(t, "/orders/o-1", p.Instance)
	}
	assert.Equal(t, "internal error", FromError(errors.New("secret"), "").Detail)

	p := Unavailable("database ping failed", "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, p.Status)
	assert.Equal(t, "https://mmbot.dev/problems/unavailable", p.Type)
}

func TestWrite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Write(c, BadRequest("invalid body", "/orders/o-1/stop"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	var got Details
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "invalid body", got.Detail)
	assert.Equal(t, "https://mmbot.dev/problems/bad-request", got.Type)
	assert.True(t, c.IsAborted())
}
