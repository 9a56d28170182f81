// Package sink delivers recognized text to wherever the user wants it.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Sink receives one finished transcript.
type Sink interface {
	Deliver(ctx context.Context, sessionID, text string) error
}

// Writer prints each transcript on its own line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (s *Writer) Deliver(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, text)
	return err
}

// Clipboard replaces the system clipboard contents.
type Clipboard struct {
	write func(string) error
}

func NewClipboard() *Clipboard {
	return &Clipboard{write: clipboard.WriteAll}
}

func (c *Clipboard) Deliver(_ context.Context, _ string, text string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard unsupported on this system")
	}
	if err := c.write(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// Bus publishes a protocol.Transcript for other runtime components.
type Bus struct {
	conn    *nats.Conn
	subject string
	now     func() time.Time
}

func NewBus(busClient *bus.Client, subject string) *Bus {
	if subject == "" {
		subject = protocol.SubjectTranscriptFinal
	}
	return &Bus{conn: busClient.Conn(), subject: subject, now: time.Now}
}

func (b *Bus) Deliver(_ context.Context, sessionID, text string) error {
	data, err := json.Marshal(protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: b.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

// Multi delivers to every sink and logs the ones that fail. It returns the
// joined errors.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger.With(slog.String("component", "sink"))}
}

func (m *Multi) Deliver(ctx context.Context, sessionID, text string) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Deliver(ctx, sessionID, text); err != nil {
			m.logger.Warn("transcript delivery failed",
				slog.String("sink", fmt.Sprintf("%T", s)),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports how many sinks are attached.
func (m *Multi) Len() int {
	return len(m.sinks)
}
