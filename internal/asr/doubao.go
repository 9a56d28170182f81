package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultEndpoint   = "https://openspeech.bytedance.com/api/v3/auc/bigmodel/recognize/flash"
	DefaultResourceID = "volc.bigasr.auc_turbo"

	// StatusSuccess and StatusNoSpeech are X-Api-Status-Code sentinels.
	StatusSuccess  = "20000000"
	StatusNoSpeech = "20000003"

	HeaderAppKey     = "X-Api-App-Key"
	HeaderAccessKey  = "X-Api-Access-Key"
	HeaderResourceID = "X-Api-Resource-Id"
	HeaderRequestID  = "X-Api-Request-Id"
	HeaderSequence   = "X-Api-Sequence"
	HeaderStatusCode = "X-Api-Status-Code"
	HeaderMessage    = "X-Api-Message"

	// single-shot, non-streaming recognition
	sequenceSingleShot = "-1"
	modelName          = "bigmodel"
)

// DoubaoClient calls the Doubao bigmodel flash recognition API. It holds no
// per-call state and is safe for concurrent use.
type DoubaoClient struct {
	endpoint     string
	resourceID   string
	httpClient   *http.Client
	newRequestID func() string
	logger       *slog.Logger
	inst         instruments
}

type doubaoRequest struct {
	User    doubaoUser    `json:"user"`
	Audio   doubaoAudio   `json:"audio"`
	Request doubaoOptions `json:"request"`
}

type doubaoUser struct {
	UID string `json:"uid"`
}

type doubaoAudio struct {
	Data string `json:"data"`
}

type doubaoOptions struct {
	ModelName string `json:"model_name"`
}

type doubaoResponse struct {
	Result *struct {
		Text string `json:"text"`
	} `json:"result"`
}

// NewDoubaoClient builds a client from config. A nil httpClient gets one with
// the configured request timeout.
func NewDoubaoClient(cfg config.ASRConfig, httpClient *http.Client, logger *slog.Logger) *DoubaoClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	resourceID := cfg.ResourceID
	if resourceID == "" {
		resourceID = DefaultResourceID
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return &DoubaoClient{
		endpoint:     endpoint,
		resourceID:   resourceID,
		httpClient:   httpClient,
		newRequestID: uuid.NewString,
		logger:       logger.With(slog.String("component", "asr.doubao")),
		inst:         newInstruments(),
	}
}

// Transcribe sends one recognition request. The HTTP status is checked
// first, then the X-Api-Status-Code header when present, then the body.
// A missing result.text yields an empty string.
func (c *DoubaoClient) Transcribe(ctx context.Context, audioBase64 string, creds Credentials) (text string, err error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}

	requestID := c.newRequestID()
	resourceID := creds.ResourceID
	if resourceID == "" {
		resourceID = c.resourceID
	}

	ctx, span := c.inst.tracer.Start(ctx, "asr.transcribe", trace.WithAttributes(
		attribute.String("asr.backend", "doubao"),
		attribute.String("asr.request_id", requestID),
		attribute.String("asr.resource_id", resourceID),
	))
	start := time.Now()
	defer func() {
		c.inst.record(ctx, "doubao", text, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(doubaoRequest{
		User:    doubaoUser{UID: creds.AppID},
		Audio:   doubaoAudio{Data: audioBase64},
		Request: doubaoOptions{ModelName: modelName},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set(HeaderAppKey, creds.AppID)
	httpReq.Header.Set(HeaderAccessKey, creds.AccessToken)
	httpReq.Header.Set(HeaderResourceID, resourceID)
	httpReq.Header.Set(HeaderRequestID, requestID)
	httpReq.Header.Set(HeaderSequence, sequenceSingleShot)
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Info("sending asr request", slog.String("request_id", requestID))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("doubao request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	if code := resp.Header.Get(HeaderStatusCode); code != "" {
		switch code {
		case StatusSuccess:
		case StatusNoSpeech:
			return "", nil
		default:
			return "", &VendorError{Code: code, Message: resp.Header.Get(HeaderMessage)}
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read doubao response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil
	}
	var decoded doubaoResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode doubao response: %w", err)
	}
	if decoded.Result == nil {
		return "", nil
	}
	return decoded.Result.Text, nil
}
