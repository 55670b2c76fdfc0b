package respond

import (
	"io"
	"net/http"

	"github.com/wb-go/wbf/ginext"
)

// Error represents a standard structure for error responses.
type Error struct {
	Message string `json:"message"`
}

// JPEG streams a JPEG image directly from an io.Reader as the HTTP response.
// It sets the Content-Type header to "image/jpeg".
func JPEG(c *ginext.Context, status int, reader io.Reader) {
	c.DataFromReader(status, -1, "image/jpeg", reader, nil)
}

// JSON sends a JSON response with the specified HTTP status code and data.
func JSON(c *ginext.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// OK sends a 200 OK JSON response.
func OK(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusOK, result)
}

// Accepted sends a 202 Accepted JSON response for asynchronously handled work.
func Accepted(c *ginext.Context, result interface{}) {
	JSON(c, http.StatusAccepted, result)
}

// Fail sends an error JSON response with the specified HTTP status code.
// The error message is wrapped in an Error struct.
func Fail(c *ginext.Context, status int, err error) {
	JSON(c, status, Error{Message: err.Error()})
}
