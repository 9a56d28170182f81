package voiceinput

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/asr"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/notify"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	starts    int
	startErr  error
	stopErr   error
	audio     capture.Audio
	observer  func(int)
}

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	r.recording = true
	return nil
}

func (r *fakeRecorder) Stop(context.Context) (capture.Audio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return capture.Audio{}, nil
	}
	r.recording = false
	return r.audio, r.stopErr
}

func (r *fakeRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) SetLevelObserver(fn func(int)) {
	r.observer = fn
}

type fakeTranscriber struct {
	mu        sync.Mutex
	text      string
	err       error
	calls     int
	audio     string
	sessionID string
	creds     asr.Credentials
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioBase64 string, creds asr.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.audio = audioBase64
	f.sessionID = asr.SessionIDFromContext(ctx)
	f.creds = creds
	return f.text, f.err
}

type recordedNotice struct {
	level   notify.Level
	message string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []recordedNotice
}

func (n *fakeNotifier) Notify(_ context.Context, level notify.Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, recordedNotice{level: level, message: message})
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, nt := range n.notices {
		out = append(out, nt.message)
	}
	return out
}

type manualTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

type harness struct {
	ctrl        *Controller
	recorder    *fakeRecorder
	transcriber *fakeTranscriber
	notifier    *fakeNotifier
	creds       asr.Credentials
	texts       []string
	busy        []bool
	timers      []*manualTimer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		recorder: &fakeRecorder{audio: capture.Audio{
			SessionID: "session-1",
			Data:      []byte("RIFF-audio"),
			MimeType:  capture.MimeTypeWAV,
		}},
		transcriber: &fakeTranscriber{text: "hello there"},
		notifier:    &fakeNotifier{},
		creds:       asr.Credentials{AppID: "app", AccessToken: "token"},
	}
	h.ctrl = New(h.recorder, h.transcriber, Options{
		Credentials: func() asr.Credentials { return h.creds },
		Notifier:    h.notifier,
		OnTranscribe: func(_ context.Context, _ string, text string) {
			h.texts = append(h.texts, text)
		},
		OnBusy: func(busy bool) {
			h.busy = append(h.busy, busy)
		},
	}, newLogger())
	h.ctrl.afterFunc = func(d time.Duration, f func()) stopper {
		mt := &manualTimer{d: d, fn: f}
		h.timers = append(h.timers, mt)
		return mt
	}
	return h
}

func TestToggleRecordsAndTranscribes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.ctrl.IsRecording() {
		t.Fatal("expected recording")
	}
	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.ctrl.IsRecording() || h.ctrl.IsProcessing() {
		t.Fatal("expected idle after stop")
	}
	if len(h.texts) != 1 || h.texts[0] != "hello there" {
		t.Fatalf("unexpected transcripts %v", h.texts)
	}
	if h.transcriber.audio != "UklGRi1hdWRpbw==" {
		t.Fatalf("expected base64 audio, got %q", h.transcriber.audio)
	}
	if h.transcriber.sessionID != "session-1" {
		t.Fatalf("expected session id propagated, got %q", h.transcriber.sessionID)
	}
	if h.transcriber.creds != h.creds {
		t.Fatalf("unexpected credentials %+v", h.transcriber.creds)
	}
	if len(h.busy) != 2 || !h.busy[0] || h.busy[1] {
		t.Fatalf("unexpected busy transitions %v", h.busy)
	}
	if len(h.timers) != 1 || h.timers[0].d != DefaultMaxDuration || !h.timers[0].stopped {
		t.Fatal("expected the auto-stop timer armed for 5 minutes and cancelled on stop")
	}
}

func TestStartWithoutCredentials(t *testing.T) {
	cases := []asr.Credentials{
		{},
		{AppID: "app"},
		{AccessToken: "token"},
	}
	for _, creds := range cases {
		h := newHarness(t)
		h.creds = creds
		err := h.ctrl.Start(context.Background())
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("expected ErrNotConfigured for %+v, got %v", creds, err)
		}
		if h.recorder.starts != 0 {
			t.Fatal("capture must not start without credentials")
		}
		msgs := h.notifier.messages()
		if len(msgs) != 1 || msgs[0] != NoticeNotConfigured {
			t.Fatalf("unexpected notices %v", msgs)
		}
		if len(h.busy) != 0 {
			t.Fatalf("busy should not change, got %v", h.busy)
		}
	}
}

func TestStartMicrophoneFailure(t *testing.T) {
	h := newHarness(t)
	denied := errors.New("permission denied")
	h.recorder.startErr = denied

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, denied) {
		t.Fatalf("expected wrapped mic error, got %v", err)
	}
	if h.ctrl.IsRecording() {
		t.Fatal("expected idle")
	}
	if msgs := h.notifier.messages(); len(msgs) != 1 || msgs[0] != NoticeMicFailure {
		t.Fatalf("unexpected notices %v", msgs)
	}
	if len(h.timers) != 0 {
		t.Fatal("timer armed for failed start")
	}
}

func TestAutoStopAfterMaxDuration(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.timers) != 1 {
		t.Fatalf("expected one timer, got %d", len(h.timers))
	}

	h.timers[0].fn()

	if h.ctrl.IsRecording() {
		t.Fatal("expected auto-stop to end recording")
	}
	if len(h.texts) != 1 || h.texts[0] != "hello there" {
		t.Fatalf("expected buffered audio transcribed, got %v", h.texts)
	}
}

func TestStaleTimerIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}

	h.timers[0].fn()
	if !h.ctrl.IsRecording() {
		t.Fatal("timer from a previous recording stopped the current one")
	}
	if h.transcriber.calls != 1 {
		t.Fatalf("unexpected transcription count %d", h.transcriber.calls)
	}
}

func TestTranscriptionErrorResetsProcessing(t *testing.T) {
	h := newHarness(t)
	h.transcriber.err = &asr.VendorError{Code: "45000001", Message: "bad audio"}
	ctx := context.Background()

	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := h.ctrl.Stop(ctx)
	var vendorErr *asr.VendorError
	if !errors.As(err, &vendorErr) {
		t.Fatalf("expected vendor error, got %v", err)
	}
	if h.ctrl.IsProcessing() {
		t.Fatal("processing not reset after failure")
	}
	msgs := h.notifier.messages()
	if len(msgs) != 1 || msgs[0] != "ASR Error: Doubao API Error: 45000001 (bad audio)" {
		t.Fatalf("unexpected notices %v", msgs)
	}
	if len(h.texts) != 0 {
		t.Fatal("no text expected after failure")
	}
	if len(h.busy) != 2 || h.busy[1] {
		t.Fatalf("expected busy cleared, got %v", h.busy)
	}
}

func TestFinalizeFailure(t *testing.T) {
	h := newHarness(t)
	h.recorder.stopErr = errors.New("encoder exploded")
	ctx := context.Background()
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.ctrl.Stop(ctx); err == nil {
		t.Fatal("expected finalize error")
	}
	if msgs := h.notifier.messages(); len(msgs) != 1 || msgs[0] != NoticeProcessing {
		t.Fatalf("unexpected notices %v", msgs)
	}
	if h.transcriber.calls != 0 {
		t.Fatal("transcriber called after finalize failure")
	}
	if h.ctrl.IsProcessing() {
		t.Fatal("processing not reset")
	}
}

func TestNoSpeechAndEmptyAudio(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.transcriber.text = ""
	_ = h.ctrl.Start(ctx)
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(h.texts) != 0 || len(h.notifier.messages()) != 0 {
		t.Fatal("no-speech result should be silent")
	}

	h = newHarness(t)
	h.recorder.audio = capture.Audio{SessionID: "s", MimeType: capture.MimeTypeWAV}
	_ = h.ctrl.Start(ctx)
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.transcriber.calls != 0 {
		t.Fatal("empty recording should not be transcribed")
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.transcriber.calls != 0 || len(h.busy) != 0 {
		t.Fatal("idle stop must not do anything")
	}
}

func TestDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ctrl.SetDisabled(true)

	if err := h.ctrl.Toggle(ctx); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if h.recorder.starts != 0 {
		t.Fatal("disabled controller started recording")
	}

	h.ctrl.SetDisabled(false)
	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.ctrl.SetDisabled(true)
	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("running recording must remain stoppable: %v", err)
	}
	if h.ctrl.IsRecording() {
		t.Fatal("expected stop while disabled")
	}
}

func TestStartTwiceStartsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.ctrl.Start(ctx)
	if err := h.ctrl.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if h.recorder.starts != 1 || len(h.timers) != 1 {
		t.Fatalf("expected a single capture session, got %d starts", h.recorder.starts)
	}
}

func TestLevelObserverForwarded(t *testing.T) {
	h := newHarness(t)
	var got int
	h.ctrl.SetLevelObserver(func(level int) { got = level })
	if h.recorder.observer == nil {
		t.Fatal("observer not forwarded")
	}
	h.recorder.observer(42)
	if got != 42 {
		t.Fatalf("unexpected level %d", got)
	}
}
