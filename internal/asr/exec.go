package asr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecTranscriber hands the decoded recording to a local command and reads
// {"text": "..."} from its stdout. Calls are serialized.
type ExecTranscriber struct {
	cmd    []string
	logger *slog.Logger
	inst   instruments
	mu     sync.Mutex
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecTranscriber(command string, logger *slog.Logger) (*ExecTranscriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("asr command is empty")
	}
	return &ExecTranscriber{
		cmd:    args,
		logger: logger.With(slog.String("component", "asr.exec")),
		inst:   newInstruments(),
	}, nil
}

func (e *ExecTranscriber) Transcribe(ctx context.Context, audioBase64 string, _ Credentials) (text string, err error) {
	audio, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return "", fmt.Errorf("decode audio: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { e.inst.record(ctx, "exec", text, err, time.Since(start)) }()

	file, err := os.CreateTemp("", "loqa_asr_*"+extensionFor(audio))
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if _, err := file.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close audio: %w", err)
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--mime", mimeFor(audio))

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	e.logger.Info("running asr command", slog.String("command", e.cmd[0]), slog.Int("bytes", len(audio)))
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("asr command failed: %w: %s", err, stderr.String())
	}

	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return "", nil
	}
	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode asr response: %w", err)
	}
	return resp.Text, nil
}

func mimeFor(audio []byte) string {
	switch {
	case len(audio) >= 12 && string(audio[0:4]) == "RIFF" && string(audio[8:12]) == "WAVE":
		return "audio/wav"
	case len(audio) >= 4 && bytes.Equal(audio[0:4], []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return "audio/webm"
	case len(audio) >= 4 && string(audio[0:4]) == "OggS":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

func extensionFor(audio []byte) string {
	switch mimeFor(audio) {
	case "audio/wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
