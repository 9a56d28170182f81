package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-dictate/internal/asr"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/capture/mic"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
	"github.com/loqalabs/loqa-dictate/internal/sink"
	"github.com/loqalabs/loqa-dictate/internal/voiceinput"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		local       bool
		audioFile   string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&local, "local", false, "Call the ASR backend in-process instead of over the bus")
	flag.StringVar(&audioFile, "file", "", "Transcribe an existing audio file and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Transcripts go to stdout; keep logs off it.
	logger := runtime.NewLogger(cfg.Telemetry, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, local, audioFile, logger); err != nil {
		logger.Error("dictation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, local bool, audioFile string, logger *slog.Logger) error {
	var busClient *bus.Client
	if !local || cfg.Output.Publish {
		c, err := bus.Connect(ctx, cfg.Bus, "loqa-dictate", logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		defer c.Close()
		busClient = c
	}

	var transcriber asr.Transcriber
	if local {
		t, err := asr.NewFromConfig(cfg.ASR, logger)
		if err != nil {
			return err
		}
		transcriber = t
	} else {
		transcriber = asr.NewRemoteTranscriber(busClient, cfg.ASR)
	}

	out := buildSinks(cfg.Output, busClient, logger)
	creds := func() asr.Credentials {
		return asr.Credentials{
			AppID:       cfg.ASR.AppID,
			AccessToken: cfg.ASR.AccessToken,
			ResourceID:  cfg.ASR.ResourceID,
		}
	}

	if audioFile != "" {
		return transcribeFile(ctx, audioFile, transcriber, creds(), out, logger)
	}
	return interactive(ctx, cfg, transcriber, creds, out, logger)
}

func buildSinks(cfg config.OutputConfig, busClient *bus.Client, logger *slog.Logger) *sink.Multi {
	var sinks []sink.Sink
	if cfg.Stdout {
		sinks = append(sinks, sink.NewWriter(os.Stdout))
	}
	if cfg.Clipboard {
		sinks = append(sinks, sink.NewClipboard())
	}
	if cfg.Publish && busClient != nil {
		sinks = append(sinks, sink.NewBus(busClient, cfg.Subject))
	}
	return sink.NewMulti(logger, sinks...)
}

func transcribeFile(ctx context.Context, path string, transcriber asr.Transcriber, creds asr.Credentials, out sink.Sink, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio file: %w", err)
	}
	sessionID := uuid.NewString()
	text, err := transcriber.Transcribe(asr.WithSessionID(ctx, sessionID), base64.StdEncoding.EncodeToString(data), creds)
	if err != nil {
		return err
	}
	if text == "" {
		logger.Info("no speech recognized", slog.String("file", path))
		return nil
	}
	return out.Deliver(ctx, sessionID, text)
}

func interactive(ctx context.Context, cfg config.Config, transcriber asr.Transcriber, creds func() asr.Credentials, out sink.Sink, logger *slog.Logger) error {
	source, err := mic.New()
	if err != nil {
		return err
	}
	defer source.Close()
	if name, err := source.DefaultDeviceName(); err == nil {
		logger.Info("using input device", slog.String("device", name))
	}

	recorder := capture.NewRecorder(source, capture.OptionsFromConfig(cfg.Capture), logger)

	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Notify.Enabled {
		notifiers = append(notifiers, notify.NewDesktop("Loqa Dictate", true, logger))
	}

	ctrl := voiceinput.New(recorder, transcriber, voiceinput.Options{
		Credentials: creds,
		Notifier:    notifiers,
		OnTranscribe: func(ctx context.Context, sessionID, text string) {
			_ = out.Deliver(ctx, sessionID, text)
		},
		OnBusy: func(busy bool) {
			logger.Debug("busy changed", slog.Bool("busy", busy))
		},
		MaxDuration: time.Duration(cfg.Capture.MaxDurationMS) * time.Millisecond,
	}, logger)
	ctrl.SetLevelObserver(levelMeter(os.Stderr))

	fmt.Fprintln(os.Stderr, "Press Enter to start or stop recording, q then Enter to quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return finish(context.WithoutCancel(ctx), ctrl)
		case line, ok := <-lines:
			if !ok || line == "q" {
				return finish(ctx, ctrl)
			}
			err := ctrl.Toggle(ctx)
			switch {
			case err == nil:
				if ctrl.IsRecording() {
					fmt.Fprintln(os.Stderr, "Recording... press Enter to stop.")
				}
			case errors.Is(err, voiceinput.ErrNotConfigured):
				// The notice already told the user.
			case errors.Is(err, voiceinput.ErrBusy):
				fmt.Fprintln(os.Stderr, "Still transcribing, try again in a moment.")
			default:
				logger.Debug("toggle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// finish transcribes a recording still running at exit.
func finish(ctx context.Context, ctrl *voiceinput.Controller) error {
	if !ctrl.IsRecording() {
		return nil
	}
	return ctrl.Stop(ctx)
}

func levelMeter(w io.Writer) func(level int) {
	const width = 20
	return func(level int) {
		if level == 0 {
			fmt.Fprintf(w, "\r%s\r", strings.Repeat(" ", width+2))
			return
		}
		filled := level * width / 255
		fmt.Fprintf(w, "\r[%s%s]", strings.Repeat("#", filled), strings.Repeat(" ", width-filled))
	}
}
