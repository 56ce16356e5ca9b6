package mirror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConfigured      = errors.New("file server not configured")
	ErrNotFound           = errors.New("file not found")
	ErrRemoteNotFound     = errors.New("file not found on file server")
	ErrMissingOnDisk      = errors.New("file missing on disk")
	ErrServerUnreachable  = errors.New("file server unreachable")
	ErrTimeout            = errors.New("request timed out")
	ErrUploadTimeout      = fmt.Errorf("upload %w", ErrTimeout)
	ErrPayloadTooLarge    = errors.New("file too large for file server")
	ErrServerFull         = errors.New("file server storage full")
	ErrHashMismatch       = errors.New("hash mismatch")
	ErrListingDisabled    = errors.New("directory listing disabled on file server")
	ErrUnsupportedListing = errors.New("unsupported directory listing format")
	ErrDownloadFailed     = errors.New("download failed")
	ErrPartialBatch       = errors.New("some files in the batch failed")
	ErrInvalidFilename    = errors.New("invalid filename")
	ErrUnsupportedMedia   = errors.New("unsupported media type")
)

// statusFor maps an error from this package to an HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidFilename):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRemoteNotFound), errors.Is(err, ErrMissingOnDisk):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrServerFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrServerUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDownloadFailed), errors.Is(err, ErrListingDisabled), errors.Is(err, ErrUnsupportedListing):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
