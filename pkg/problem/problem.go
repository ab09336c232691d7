// Package problem renders RFC 7807 problem details for the ops API.
package problem

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// ContentType is the media type of a problem response
const ContentType = "application/problem+json"

const typeBase = "https://mmbot.dev/problems/"

// Details is an RFC 7807 problem document
type Details struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (d *Details) Error() string {
	return d.Detail
}

// New builds a problem for status with the given slug
func New(status int, slug, detail, instance string) *Details {
	return &Details{
		Type:     typeBase + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// BadRequest reports a malformed request body
func BadRequest(detail, instance string) *Details {
	return New(http.StatusBadRequest, "bad-request", detail, instance)
}

// Unavailable reports a dependency the service cannot reach
func Unavailable(detail, instance string) *Details {
	return New(http.StatusServiceUnavailable, "unavailable", detail, instance)
}

// FromError maps a settlement error onto a problem
func FromError(err error, instance string) *Details {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return New(http.StatusNotFound, "not-found", err.Error(), instance)
	case errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrConcurrentUpdate):
		return New(http.StatusConflict, "conflict", err.Error(), instance)
	case errors.Is(err, interfaces.ErrTransientInfra):
		return Unavailable(err.Error(), instance)
	default:
		return New(http.StatusInternalServerError, "internal", "internal error", instance)
	}
}

// Write aborts the request with p as the response body
func Write(c *gin.Context, p *Details) {
	c.Header("Content-Type", ContentType)
	c.AbortWithStatusJSON(p.Status, p)
}
