package protocol

import "time"

// Credentials identify the caller to the remote recognition vendor.
type Credentials struct {
	AppID       string `json:"app_id"`
	AccessToken string `json:"access_token"`
	ResourceID  string `json:"resource_id,omitempty"`
}

// TranscribeRequest carries one finished recording across the bus.
type TranscribeRequest struct {
	SessionID   string      `json:"session_id"`
	RequestID   string      `json:"request_id"`
	AudioBase64 string      `json:"audio_base64"`
	MimeType    string      `json:"mime_type,omitempty"`
	Credentials Credentials `json:"credentials"`
}

// TranscribeReply is the answer to a TranscribeRequest. Error is nil on success.
type TranscribeReply struct {
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Error     *ReplyError `json:"error,omitempty"`
}

// ReplyError describes a failed transcription in a form the caller can
// rebuild into a typed error.
type ReplyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// Transcript represents recognized text broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscribe      = "asr.transcribe"
	SubjectTranscriptFinal = "voice.text.final"
)

const (
	ErrorKindConfig    = "config"
	ErrorKindTransport = "transport"
	ErrorKindVendor    = "vendor"
	ErrorKindDecode    = "decode"
	ErrorKindInternal  = "internal"
)
