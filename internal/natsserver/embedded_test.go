package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartExternalReturnsNil(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server for external bus")
	}
	if srv.ClientURL() != "" {
		t.Fatal("nil server should report empty url")
	}
	srv.Shutdown()
}

func TestStartEmbeddedWithToken(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, Token: "s3cret", StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	if _, err := nats.Connect(srv.ClientURL()); err == nil {
		t.Fatal("expected connection without token to be rejected")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	nc.Close()
}

func TestStartEmbeddedMaxPayload(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, MaxPayload: config.DefaultMaxPayload}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if nc.MaxPayload() != config.DefaultMaxPayload {
		t.Fatalf("expected max payload %d, got %d", config.DefaultMaxPayload, nc.MaxPayload())
	}
}
