package asr

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// ErrMissingCredentials is returned before any network call when the app id
// or access token is empty.
var ErrMissingCredentials = errors.New("Doubao App ID or Access Token is missing")

// ErrPayloadTooLarge is returned by RemoteTranscriber when the encoded request
// exceeds the bus connection's max payload. Raise bus.max_payload.
var ErrPayloadTooLarge = errors.New("transcribe request exceeds bus max payload")

// HTTPStatusError reports a non-2xx HTTP response from the vendor.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
}

// VendorError reports a non-success X-Api-Status-Code sentinel.
type VendorError struct {
	Code    string
	Message string
}

func (e *VendorError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("Doubao API Error: %s (%s)", e.Code, e.Message)
	}
	return fmt.Sprintf("Doubao API Error: %s", e.Code)
}

func replyError(err error) *protocol.ReplyError {
	if err == nil {
		return nil
	}
	var (
		httpErr   *HTTPStatusError
		vendorErr *VendorError
	)
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return &protocol.ReplyError{Kind: protocol.ErrorKindConfig, Message: err.Error()}
	case errors.As(err, &httpErr):
		return &protocol.ReplyError{Kind: protocol.ErrorKindTransport, Message: err.Error(), Status: httpErr.StatusCode}
	case errors.As(err, &vendorErr):
		return &protocol.ReplyError{Kind: protocol.ErrorKindVendor, Message: vendorErr.Message, Code: vendorErr.Code}
	default:
		return &protocol.ReplyError{Kind: protocol.ErrorKindInternal, Message: err.Error()}
	}
}

// errorFromReply rebuilds the typed error a remote service reported.
func errorFromReply(r *protocol.ReplyError) error {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case protocol.ErrorKindConfig:
		return ErrMissingCredentials
	case protocol.ErrorKindTransport:
		if r.Status != 0 {
			return &HTTPStatusError{StatusCode: r.Status}
		}
	case protocol.ErrorKindVendor:
		return &VendorError{Code: r.Code, Message: r.Message}
	}
	if r.Message == "" {
		return fmt.Errorf("asr %s error", r.Kind)
	}
	return errors.New(r.Message)
}
