package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classifications for cloud operations.
//
// The sync engine keys its behaviour off these:
//
//	if errors.Is(err, cloud.ErrTransient) {
//	    // retry with backoff
//	}
var (
	// ErrAuth means credentials were rejected or a session could not be
	// established. Not retryable without operator attention.
	ErrAuth = errors.New("cloud: authentication failed")

	// ErrTransient covers conditions a retry may clear: timeouts,
	// rate limiting, server errors, transport failures.
	ErrTransient = errors.New("cloud: transient failure")

	// ErrPermanent covers requests the cloud will never accept,
	// typically a malformed request or unsupported operation.
	ErrPermanent = errors.New("cloud: permanent failure")

	// ErrNotFound means the appliance is no longer present on the
	// account.
	ErrNotFound = errors.New("cloud: device not found")

	// ErrBadPacket means a control packet could not be decoded.
	ErrBadPacket = errors.New("cloud: malformed packet")
)

// classifyStatus maps an HTTP response status to an error class.
// Returns nil for success statuses.
//
// 401 and 403 are returned as ErrAuth so the caller can attempt a
// single re-authentication before giving up. 404 identifies a removed
// appliance. 408, 429 and all server errors are worth retrying; any
// other client error is not.
func classifyStatus(status int) error {
	switch {
	case status < http.StatusBadRequest:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrNotFound, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	default:
		return fmt.Errorf("%w: status %d", ErrPermanent, status)
	}
}
