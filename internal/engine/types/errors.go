package types

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAlreadyDownloading    = errors.New("item is already downloading")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrAborted               = errors.New("transfer aborted")
	ErrIncomplete            = errors.New("segment incomplete")
	ErrRangeIgnored          = errors.New("server ignored range request")
	ErrNoFragments           = errors.New("manifest has no fragments")
	ErrUnsupportedEncryption = errors.New("unsupported manifest encryption")
	ErrInvalidDestination    = errors.New("invalid destination")
	ErrNotFound              = errors.New("item not found")
)

// ServerError is returned by a worker when the server answers 400-511.
type ServerError struct {
	StatusCode int
	URL        string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsServerErrorStatus reports whether code is treated as a server rejection.
func IsServerErrorStatus(code int) bool {
	return code >= 400 && code <= 511
}

// AsServerError unwraps err into a *ServerError when possible.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
