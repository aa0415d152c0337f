// Package wire defines the byte formats shared by the stream relay and its clients.
package wire

import (
	"encoding/json"
)

// Framing selects how a streamed reply is laid out on the response body.
type Framing string

const (
	// FramingText writes fragments verbatim followed by one trailing metadata record.
	FramingText Framing = "text"
	// FramingNDJSON writes one JSON Frame per line.
	FramingNDJSON Framing = "ndjson"
)

const (
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeNDJSON = "application/x-ndjson"
)

// MetadataMarker is the literal clients scan for to find the trailing record.
const MetadataMarker = `"__metadata":`

// ErrorNotice is appended to a text stream when generation fails mid-stream.
const ErrorNotice = "\n\n[An error occurred while generating the response. Please try again.]"

// ErrorMessage is the human-readable failure text used by structured framings.
const ErrorMessage = "An error occurred while generating the response. Please try again."

// KeepaliveFiller is written to an idle text stream. Clients ignore surrounding whitespace.
const KeepaliveFiller = " "

// Metadata is the out-of-band information attached to the end of a stream.
type Metadata struct {
	ConversationID string `json:"conversationId"`
}

// MetadataRecord is the exact JSON shape of the trailing text record.
type MetadataRecord struct {
	Metadata Metadata `json:"__metadata"`
}

// TextMetadata returns the trailing record for text framing: a newline and the JSON object.
func TextMetadata(conversationID string) []byte {
	data, _ := json.Marshal(MetadataRecord{Metadata: Metadata{ConversationID: conversationID}})
	return append([]byte("\n"), data...)
}

// Frame types.
const (
	FrameContent  = "content"
	FrameMetadata = "metadata"
	FrameError    = "error"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameChat     = "chat"
	FrameCancel   = "cancel"
)

// Frame is one structured message in ndjson and WebSocket transports.
type Frame struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
	Status         int    `json:"status,omitempty"`
}

// Line encodes f as one ndjson line.
func (f Frame) Line() []byte {
	data, _ := json.Marshal(f)
	return append(data, '\n')
}
