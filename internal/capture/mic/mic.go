// Package mic provides a capture.Source backed by the PortAudio default
// input device.
package mic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-dictate/internal/capture"
)

// Source opens 16-bit input streams on the default device. Create it with
// New and release it with Close once no stream is open.
type Source struct {
	mu         sync.Mutex
	terminated bool
}

// New initializes PortAudio.
func New() (*Source, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Source{}, nil
}

// Open starts a stream on the default input device.
func (s *Source) Open(ctx context.Context, format capture.Format, framesPerChunk int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil, errors.New("microphone source closed")
	}

	buf := make([]int16, framesPerChunk*format.Channels)
	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), framesPerChunk, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return &inputStream{stream: stream, buf: buf}, nil
}

// Close terminates PortAudio.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil
	}
	s.terminated = true
	return pa.Terminate()
}

// DefaultDeviceName returns the name of the default input device.
func (s *Source) DefaultDeviceName() (string, error) {
	dev, err := pa.DefaultInputDevice()
	if err != nil {
		return "", err
	}
	return dev.Name, nil
}

type inputStream struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	closed bool
}

func (in *inputStream) Read(out []int16) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return 0, errors.New("microphone stream closed")
	}
	// Overflow drops frames inside PortAudio; the buffer still holds a
	// full chunk.
	if err := in.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return 0, err
	}
	return copy(out, in.buf), nil
}

func (in *inputStream) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	stopErr := in.stream.Stop()
	closeErr := in.stream.Close()
	return errors.Join(stopErr, closeErr)
}
