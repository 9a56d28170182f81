package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// replyMargin keeps the caller waiting slightly longer than the service's own
// request timeout so the service's error reaches the caller.
const replyMargin = 5 * time.Second

// RemoteTranscriber forwards transcription to an asr Service over the bus.
type RemoteTranscriber struct {
	conn     *nats.Conn
	subject  string
	mimeType string
	timeout  time.Duration
}

func NewRemoteTranscriber(busClient *bus.Client, cfg config.ASRConfig) *RemoteTranscriber {
	subject := cfg.Subject
	if subject == "" {
		subject = protocol.SubjectTranscribe
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteTranscriber{
		conn:     busClient.Conn(),
		subject:  subject,
		mimeType: "audio/wav",
		timeout:  timeout + replyMargin,
	}
}

// Transcribe validates credentials locally, then performs one bus request.
// Errors reported by the service come back as the same typed errors.
func (r *RemoteTranscriber) Transcribe(ctx context.Context, audioBase64 string, creds Credentials) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}

	req := protocol.TranscribeRequest{
		SessionID:   SessionIDFromContext(ctx),
		RequestID:   uuid.NewString(),
		AudioBase64: audioBase64,
		MimeType:    r.mimeType,
		Credentials: creds.wire(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if limit := r.conn.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), limit)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	msg, err := r.conn.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return "", fmt.Errorf("asr service unavailable on %s: %w", r.subject, err)
		}
		return "", fmt.Errorf("asr request: %w", err)
	}

	var reply protocol.TranscribeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode transcribe reply: %w", err)
	}
	if reply.Error != nil {
		return "", errorFromReply(reply.Error)
	}
	return reply.Text, nil
}

type sessionKey struct{}

// WithSessionID tags ctx with the capture session a request belongs to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
