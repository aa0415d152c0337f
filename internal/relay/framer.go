package relay

import (
	"net/http"
	"strings"

	"github.com/ashureev/studyhub/internal/wire"
)

// framer lays out one streamed reply on the response body.
type framer interface {
	contentType() string
	content(fragment string) []byte
	metadata(conversationID string) []byte
	failure() []byte
	keepalive() []byte
	// fillsMidStream reports whether keepalive fillers may follow content.
	fillsMidStream() bool
}

// textFramer writes fragments verbatim with a trailing metadata record.
type textFramer struct{}

func (textFramer) contentType() string            { return wire.ContentTypeText }
func (textFramer) content(fragment string) []byte { return []byte(fragment) }
func (textFramer) metadata(id string) []byte      { return wire.TextMetadata(id) }
func (textFramer) failure() []byte                { return []byte(wire.ErrorNotice) }
func (textFramer) keepalive() []byte              { return []byte(wire.KeepaliveFiller) }

// A space between fragments would become part of the answer.
func (textFramer) fillsMidStream() bool { return false }

// ndjsonFramer writes one wire.Frame per line.
type ndjsonFramer struct{}

func (ndjsonFramer) contentType() string { return wire.ContentTypeNDJSON }

func (ndjsonFramer) content(fragment string) []byte {
	return wire.Frame{Type: wire.FrameContent, Content: fragment}.Line()
}

func (ndjsonFramer) metadata(id string) []byte {
	return wire.Frame{Type: wire.FrameMetadata, ConversationID: id}.Line()
}

func (ndjsonFramer) failure() []byte {
	return wire.Frame{Type: wire.FrameError, Error: wire.ErrorMessage}.Line()
}

func (ndjsonFramer) keepalive() []byte {
	return wire.Frame{Type: wire.FramePing}.Line()
}

func (ndjsonFramer) fillsMidStream() bool { return true }

// framerFor picks ndjson when asked for by query or Accept header, text otherwise.
func framerFor(r *http.Request) framer {
	if wire.Framing(r.URL.Query().Get("format")) == wire.FramingNDJSON {
		return ndjsonFramer{}
	}
	if strings.Contains(r.Header.Get("Accept"), wire.ContentTypeNDJSON) {
		return ndjsonFramer{}
	}
	return textFramer{}
}
