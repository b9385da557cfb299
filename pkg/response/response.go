// Package response defines the JSON envelope shared by all HTTP handlers.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope wraps every API reply. Data is omitted on errors and Error is
// omitted on success, so clients can branch on the success flag alone.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *gin.Context, code int, data interface{}) {
	c.JSON(code, Envelope{Success: true, Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, Envelope{Success: false, Error: msg})
}

// OK sends 200 with data.
func OK(c *gin.Context, data interface{}) { ok(c, http.StatusOK, data) }

// Created sends 201 with data.
func Created(c *gin.Context, data interface{}) { ok(c, http.StatusCreated, data) }

// NoContent sends a bare 204.
func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// BadRequest sends 400.
func BadRequest(c *gin.Context, msg string) { fail(c, http.StatusBadRequest, msg) }

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, msg string) { fail(c, http.StatusUnauthorized, msg) }

// Forbidden sends 403.
func Forbidden(c *gin.Context, msg string) { fail(c, http.StatusForbidden, msg) }

// NotFound sends 404.
func NotFound(c *gin.Context, msg string) { fail(c, http.StatusNotFound, msg) }

// Conflict sends 409.
func Conflict(c *gin.Context, msg string) { fail(c, http.StatusConflict, msg) }

// Internal sends 500.
func Internal(c *gin.Context, msg string) { fail(c, http.StatusInternalServerError, msg) }

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, msg string) { fail(c, http.StatusServiceUnavailable, msg) }
