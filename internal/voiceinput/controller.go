// Package voiceinput is the dictation control surface: one toggle that
// records, transcribes and hands the text back to the host.
package voiceinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/asr"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/notify"
)

// DefaultMaxDuration is the recording ceiling after which capture stops on
// its own.
const DefaultMaxDuration = 5 * time.Minute

const (
	NoticeNotConfigured = "Please configure Doubao ASR credentials in settings"
	NoticeMicFailure    = "Failed to access microphone"
	NoticeASRErrorFmt   = "ASR Error: %s"
	NoticeProcessing    = "Processing failed"
)

var (
	// ErrNotConfigured rejects Start when no app id or access token is set.
	ErrNotConfigured = errors.New("voice input: asr credentials not configured")
	ErrDisabled      = errors.New("voice input: disabled")
	ErrBusy          = errors.New("voice input: transcription in progress")
)

// Recorder is the capture session the controller drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (capture.Audio, error)
	IsRecording() bool
}

type levelReporter interface {
	SetLevelObserver(fn func(level int))
}

type stopper interface {
	Stop() bool
}

type Options struct {
	// Credentials is read on every Start and Stop so settings changes apply
	// to the next dictation.
	Credentials func() asr.Credentials
	Notifier    notify.Notifier
	// OnTranscribe receives non-empty recognized text.
	OnTranscribe func(ctx context.Context, sessionID, text string)
	// OnBusy is called with recording||processing whenever that changes.
	OnBusy      func(busy bool)
	MaxDuration time.Duration
}

type Controller struct {
	recorder     Recorder
	transcriber  asr.Transcriber
	credentials  func() asr.Credentials
	notifier     notify.Notifier
	onTranscribe func(ctx context.Context, sessionID, text string)
	onBusy       func(bool)
	maxDuration  time.Duration
	afterFunc    func(d time.Duration, f func()) stopper
	logger       *slog.Logger

	mu         sync.Mutex
	recording  bool
	processing bool
	disabled   bool
	busy       bool
	generation uint64
	timer      stopper
}

func New(recorder Recorder, transcriber asr.Transcriber, opts Options, logger *slog.Logger) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.Credentials == nil {
		opts.Credentials = func() asr.Credentials { return asr.Credentials{} }
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLog(logger)
	}
	return &Controller{
		recorder:     recorder,
		transcriber:  transcriber,
		credentials:  opts.Credentials,
		notifier:     opts.Notifier,
		onTranscribe: opts.OnTranscribe,
		onBusy:       opts.OnBusy,
		maxDuration:  opts.MaxDuration,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		logger: logger.With(slog.String("component", "voiceinput")),
	}
}

// SetLevelObserver forwards loudness updates from the recorder, when it
// reports them.
func (c *Controller) SetLevelObserver(fn func(level int)) {
	if lr, ok := c.recorder.(levelReporter); ok {
		lr.SetLevelObserver(fn)
	}
}

// SetDisabled blocks new recordings. A running recording can still be
// stopped.
func (c *Controller) SetDisabled(disabled bool) {
	c.mu.Lock()
	c.disabled = disabled
	c.mu.Unlock()
}

func (c *Controller) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Controller) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// Toggle stops a running recording, otherwise starts one.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.IsRecording() {
		return c.Stop(ctx)
	}
	return c.Start(ctx)
}

func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.recording:
		c.mu.Unlock()
		return nil
	case c.processing:
		c.mu.Unlock()
		return ErrBusy
	case c.disabled:
		c.mu.Unlock()
		return ErrDisabled
	}

	if !c.credentials().Configured() {
		c.mu.Unlock()
		c.notifier.Notify(ctx, notify.LevelError, NoticeNotConfigured)
		return ErrNotConfigured
	}

	if err := c.recorder.Start(ctx); err != nil {
		c.mu.Unlock()
		c.logger.Error("failed to start recording", slog.String("error", err.Error()))
		c.notifier.Notify(ctx, notify.LevelError, NoticeMicFailure)
		return fmt.Errorf("start recording: %w", err)
	}

	c.recording = true
	c.generation++
	gen := c.generation
	stopCtx := context.WithoutCancel(ctx)
	c.timer = c.afterFunc(c.maxDuration, func() {
		c.logger.Info("recording reached maximum duration", slog.Duration("max", c.maxDuration))
		if err := c.stop(stopCtx, gen); err != nil {
			c.logger.Warn("auto-stop failed", slog.String("error", err.Error()))
		}
	})
	busy, changed := c.updateBusyLocked()
	c.mu.Unlock()

	c.reportBusy(busy, changed)
	return nil
}

// Stop ends the recording and transcribes it. It does nothing unless a
// recording is running.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, 0)
}

// stop finishes the recording started as generation gen; 0 matches any.
func (c *Controller) stop(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if !c.recording || (gen != 0 && gen != c.generation) {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	c.processing = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	defer c.finishProcessing()

	audio, err := c.recorder.Stop(ctx)
	if err != nil {
		c.logger.Error("failed to finalize recording", slog.String("error", err.Error()))
		c.notifier.Notify(ctx, notify.LevelError, NoticeProcessing)
		return fmt.Errorf("finalize recording: %w", err)
	}
	if audio.Empty() {
		c.logger.Info("recording captured no audio", slog.String("session_id", audio.SessionID))
		return nil
	}

	text, err := c.transcriber.Transcribe(asr.WithSessionID(ctx, audio.SessionID), audio.Base64(), c.credentials())
	if err != nil {
		c.logger.Error("transcription failed",
			slog.String("session_id", audio.SessionID),
			slog.String("error", err.Error()))
		c.notifier.Notify(ctx, notify.LevelError, fmt.Sprintf(NoticeASRErrorFmt, err.Error()))
		return err
	}
	if text == "" {
		c.logger.Info("no speech recognized", slog.String("session_id", audio.SessionID))
		return nil
	}
	if c.onTranscribe != nil {
		c.onTranscribe(ctx, audio.SessionID, text)
	}
	return nil
}

func (c *Controller) finishProcessing() {
	c.mu.Lock()
	c.processing = false
	busy, changed := c.updateBusyLocked()
	c.mu.Unlock()
	c.reportBusy(busy, changed)
}

func (c *Controller) updateBusyLocked() (bool, bool) {
	busy := c.recording || c.processing
	if busy == c.busy {
		return busy, false
	}
	c.busy = busy
	return busy, true
}

func (c *Controller) reportBusy(busy, changed bool) {
	if changed && c.onBusy != nil {
		c.onBusy(busy)
	}
}
