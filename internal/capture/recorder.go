// Package capture records microphone audio for one dictation at a time.
//
// A Recorder moves between idle and recording. Start opens a stream from the
// injected Source and buffers one chunk per ChunkDuration while a meter
// samples loudness on every LevelInterval tick. Stop releases the stream and
// returns the buffered audio encoded as WAV.
package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Format describes interleaved 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Source opens microphone streams. framesPerChunk is the number of frames a
// single Stream.Read should return.
type Source interface {
	Open(ctx context.Context, format Format, framesPerChunk int) (Stream, error)
}

// Stream yields interleaved 16-bit PCM. Read blocks until a chunk is
// available.
type Stream interface {
	Read(buf []int16) (int, error)
	Close() error
}

// Audio is a finished recording.
type Audio struct {
	SessionID string
	Data      []byte
	MimeType  string
	Format    Format
	Duration  time.Duration
}

// Empty reports whether the recording holds no audio.
func (a Audio) Empty() bool {
	return len(a.Data) == 0
}

// Base64 returns Data in standard base64, the form the ASR request embeds.
func (a Audio) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

type Options struct {
	Format        Format
	ChunkDuration time.Duration
	LevelInterval time.Duration
	// OnLevel receives the 0-255 loudness on every meter tick and 0 on stop.
	OnLevel func(level int)
}

func OptionsFromConfig(cfg config.CaptureConfig) Options {
	return Options{
		Format:        Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		ChunkDuration: time.Duration(cfg.ChunkMS) * time.Millisecond,
		LevelInterval: time.Duration(cfg.LevelIntervalMS) * time.Millisecond,
	}
}

// Recorder owns at most one capture session.
type Recorder struct {
	source Source
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *session
	level   atomic.Int32
}

type session struct {
	id        string
	stream    Stream
	stop      chan struct{}
	readDone  chan struct{}
	meterDone chan struct{}
	started   time.Time

	mu      sync.Mutex
	chunks  [][]int16
	samples int
	err     error
}

func NewRecorder(source Source, opts Options, logger *slog.Logger) *Recorder {
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 16000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 100 * time.Millisecond
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 50 * time.Millisecond
	}
	return &Recorder{
		source: source,
		opts:   opts,
		logger: logger.With(slog.String("component", "capture")),
	}
}

// SetLevelObserver replaces the OnLevel callback. It takes effect on the
// next Start.
func (r *Recorder) SetLevelObserver(fn func(level int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.OnLevel = fn
}

// Start opens the microphone and begins buffering. It is a no-op while a
// session is already running.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil
	}

	frames := r.framesPerChunk()
	stream, err := r.source.Open(ctx, r.opts.Format, frames)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}

	s := &session{
		id:        uuid.NewString(),
		stream:    stream,
		stop:      make(chan struct{}),
		readDone:  make(chan struct{}),
		meterDone: make(chan struct{}),
		started:   time.Now(),
	}
	r.current = s
	r.level.Store(0)

	go r.readLoop(s, frames*r.opts.Format.Channels)
	go r.meterLoop(s, r.opts.OnLevel)

	r.logger.Info("recording started", slog.String("session_id", s.id))
	return nil
}

// Stop ends the session and returns its audio. Without a running session it
// returns an empty Audio and no error.
func (r *Recorder) Stop(ctx context.Context) (Audio, error) {
	r.mu.Lock()
	s := r.current
	r.current = nil
	onLevel := r.opts.OnLevel
	r.mu.Unlock()

	if s == nil {
		return Audio{}, nil
	}

	close(s.stop)
	<-s.meterDone
	r.level.Store(0)
	if onLevel != nil {
		onLevel(0)
	}

	// A blocked Read returns after at most one chunk.
	wait := 2*r.opts.ChunkDuration + 500*time.Millisecond
	select {
	case <-s.readDone:
	case <-time.After(wait):
		r.logger.Warn("capture reader did not stop in time", slog.String("session_id", s.id))
	case <-ctx.Done():
	}

	if err := s.stream.Close(); err != nil {
		r.logger.Warn("failed to close microphone stream", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	chunks := s.chunks
	samples := s.samples
	readErr := s.err
	s.chunks = nil
	s.mu.Unlock()

	if readErr != nil {
		r.logger.Warn("capture stream ended with error", slog.String("error", readErr.Error()))
	}

	audio := Audio{
		SessionID: s.id,
		MimeType:  MimeTypeWAV,
		Format:    r.opts.Format,
	}
	if samples == 0 {
		r.logger.Info("recording stopped", slog.String("session_id", s.id), slog.Int("samples", 0))
		return audio, nil
	}

	pcm := make([]int16, 0, samples)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}
	data, err := EncodeWAV(pcm, r.opts.Format)
	if err != nil {
		return audio, fmt.Errorf("encode recording: %w", err)
	}
	audio.Data = data
	audio.Duration = time.Duration(len(pcm)/r.opts.Format.Channels) * time.Second / time.Duration(r.opts.Format.SampleRate)

	r.logger.Info("recording stopped",
		slog.String("session_id", s.id),
		slog.Int("chunks", len(chunks)),
		slog.Duration("duration", audio.Duration))
	return audio, nil
}

// IsRecording reports whether a session is running.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Level returns the latest loudness sample in the 0-255 range.
func (r *Recorder) Level() int {
	return int(r.level.Load())
}

func (r *Recorder) framesPerChunk() int {
	frames := int(int64(r.opts.Format.SampleRate) * int64(r.opts.ChunkDuration) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	return frames
}

func (r *Recorder) readLoop(s *session, samplesPerChunk int) {
	defer close(s.readDone)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		buf := make([]int16, samplesPerChunk)
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.mu.Lock()
			s.chunks = append(s.chunks, chunk)
			s.samples += n
			s.mu.Unlock()
			r.level.Store(int32(Loudness(chunk)))
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

func (r *Recorder) meterLoop(s *session, onLevel func(int)) {
	defer close(s.meterDone)
	ticker := time.NewTicker(r.opts.LevelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if onLevel != nil {
				onLevel(int(r.level.Load()))
			}
		}
	}
}

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Loudness maps the RMS level of samples onto 0-255, spreading the
// -100..-30 dBFS range linearly and clamping outside it.
func Loudness(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	scaled := (db - minDecibels) / (maxDecibels - minDecibels) * 255
	switch {
	case scaled < 0:
		return 0
	case scaled > 255:
		return 255
	default:
		return int(scaled)
	}
}
