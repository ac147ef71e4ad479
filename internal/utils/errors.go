// internal/utils/errors.go
package utils

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/settlement-backend/internal/apperr"
)

// HandleServiceError writes the error envelope for a service error, using
// the apperr kind as the error code.
func HandleServiceError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)

	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
		"kind":   kind,
	})
	if status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	ErrorResponse(c, status, string(kind), apperr.PublicMessage(err), nil)
}
