package asr

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// NewFromConfig builds the backend selected by cfg.Mode.
func NewFromConfig(cfg config.ASRConfig, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "", "doubao":
		return NewDoubaoClient(cfg, nil, logger), nil
	case "exec":
		t, err := NewExecTranscriber(cfg.Command, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "mock":
		return NewMockTranscriber(), nil
	default:
		return nil, fmt.Errorf("unknown asr mode %q", cfg.Mode)
	}
}
