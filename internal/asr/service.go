package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Journal receives one entry per handled request. A nil Journal is allowed.
type Journal interface {
	Record(ctx context.Context, entry history.Entry) error
}

// Service exposes a Transcriber on the bus. Each request is answered on its
// reply subject with the text or a structured error.
type Service struct {
	cfg         config.ASRConfig
	bus         *bus.Client
	transcriber Transcriber
	journal     Journal
	logger      *slog.Logger
	sub         *nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	ready       atomic.Bool
}

func NewService(parent context.Context, cfg config.ASRConfig, busClient *bus.Client, transcriber Transcriber, journal Journal, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		transcriber: transcriber,
		journal:     journal,
		logger:      logger.With(slog.String("component", "asr-service")),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := s.subject()
	sub, err := s.bus.Conn().QueueSubscribe(subject, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe asr requests: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.logger.Info("asr service listening", slog.String("subject", subject), slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
	s.ready.Store(false)
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) subject() string {
	if s.cfg.Subject != "" {
		return s.cfg.Subject
	}
	return protocol.SubjectTranscribe
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode transcribe request", slogError(err))
		s.respond(msg, protocol.TranscribeReply{Error: &protocol.ReplyError{
			Kind:    protocol.ErrorKindDecode,
			Message: fmt.Sprintf("decode transcribe request: %v", err),
		}})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout())
		defer cancel()

		start := time.Now()
		text, err := s.transcriber.Transcribe(ctx, req.AudioBase64, credentialsFromWire(req.Credentials))
		latency := time.Since(start)

		reply := protocol.TranscribeReply{SessionID: req.SessionID, Text: text, Error: replyError(err)}
		if err != nil {
			s.logger.Warn("transcription failed",
				slog.String("session_id", req.SessionID),
				slog.String("request_id", req.RequestID),
				slogError(err))
		}
		s.respond(msg, reply)
		s.record(req, text, err, latency)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.TranscribeReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal transcribe reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to transcribe request", slogError(err))
	}
}

func (s *Service) record(req protocol.TranscribeRequest, text string, err error, latency time.Duration) {
	if s.journal == nil {
		return
	}
	entry := history.Entry{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Backend:   s.cfg.Mode,
		Outcome:   outcome(text, err),
		Text:      text,
		Latency:   latency,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record history entry", slogError(err))
	}
}

func (s *Service) timeout() time.Duration {
	if s.cfg.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.cfg.TimeoutMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
