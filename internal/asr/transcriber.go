// Package asr turns finished recordings into text. It holds the Doubao
// bigmodel client, the exec and mock backends, the bus service that exposes a
// Transcriber to other processes, and the remote client that calls it.
package asr

import (
	"context"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Transcriber recognizes speech in base64-encoded audio. An empty string
// with a nil error means no speech was recognized.
type Transcriber interface {
	Transcribe(ctx context.Context, audioBase64 string, creds Credentials) (string, error)
}

// Credentials identify the caller to the recognition vendor. They are
// checked for presence only.
type Credentials struct {
	AppID       string
	AccessToken string
	ResourceID  string
}

// Configured reports whether both the app id and the access token are set.
func (c Credentials) Configured() bool {
	return c.AppID != "" && c.AccessToken != ""
}

// Validate returns ErrMissingCredentials when Configured is false.
func (c Credentials) Validate() error {
	if !c.Configured() {
		return ErrMissingCredentials
	}
	return nil
}

func (c Credentials) wire() protocol.Credentials {
	return protocol.Credentials{AppID: c.AppID, AccessToken: c.AccessToken, ResourceID: c.ResourceID}
}

func credentialsFromWire(c protocol.Credentials) Credentials {
	return Credentials{AppID: c.AppID, AccessToken: c.AccessToken, ResourceID: c.ResourceID}
}
