// Package streamclient reads streamed chat replies produced by the relay and
// offers a small HTTP client for the chat API.
package streamclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/studyhub/internal/wire"
)

const readChunkSize = 4096

// textTrailerPrefix starts the metadata record in text framing.
const textTrailerPrefix = "\n{" + wire.MetadataMarker

// Result is the outcome of consuming one streamed reply.
type Result struct {
	// Text is the reply with surrounding whitespace trimmed and without any metadata or error notice.
	Text           string
	ConversationID string
	// Failed is set when the server reported a mid-stream generation failure.
	Failed bool
	// Aborted is set when the caller's context ended before the stream did.
	Aborted bool
}

// Consume reads r to the end, passing display text to onText as it arrives.
// Multi-byte characters split across reads are reassembled before delivery,
// and the trailing metadata record is never passed to onText.
//
// An ended ctx yields Result.Aborted and a nil error. Other read failures
// return the partial result with the error.
func Consume(ctx context.Context, r io.Reader, framing wire.Framing, onText func(string)) (*Result, error) {
	if onText == nil {
		onText = func(string) {}
	}
	if framing == wire.FramingNDJSON {
		return consumeNDJSON(ctx, r, onText)
	}
	return consumeText(ctx, r, onText)
}

// textDecoder turns a text-framed byte stream into display text.
type textDecoder struct {
	carry   []byte
	buf     strings.Builder
	emitted int
	trailer int // index of the trailer in buf, -1 until seen
	onText  func(string)
}

func newTextDecoder(onText func(string)) *textDecoder {
	return &textDecoder{trailer: -1, onText: onText}
}

// feed accepts raw bytes and emits whatever text is safe to show.
func (d *textDecoder) feed(p []byte) {
	data := append(d.carry, p...)
	n := completePrefix(data)
	d.buf.Write(data[:n])
	d.carry = append(d.carry[:0:0], data[n:]...)

	if d.trailer >= 0 {
		return
	}

	all := d.buf.String()
	if idx := strings.Index(all[d.emitted:], textTrailerPrefix); idx >= 0 {
		d.trailer = d.emitted + idx
		d.emit(all[d.emitted:d.trailer])
		return
	}

	safe := len(all) - partialSuffix(all, textTrailerPrefix)
	if safe > d.emitted {
		d.emit(all[d.emitted:safe])
	}
}

func (d *textDecoder) emit(s string) {
	if s != "" {
		d.onText(s)
	}
	d.emitted += len(s)
}

// finish flushes held-back text and builds the result.
func (d *textDecoder) finish() (*Result, error) {
	if len(d.carry) > 0 {
		d.buf.WriteString(strings.ToValidUTF8(string(d.carry), string(utf8.RuneError)))
		d.carry = nil
	}
	all := d.buf.String()

	res := &Result{}
	body := all
	if d.trailer >= 0 {
		body = all[:d.trailer]
		var rec wire.MetadataRecord
		if err := json.Unmarshal([]byte(strings.TrimSpace(all[d.trailer:])), &rec); err != nil {
			res.Text = strings.TrimSpace(body)
			return res, fmt.Errorf("decode stream metadata: %w", err)
		}
		res.ConversationID = rec.Metadata.ConversationID
	} else if len(all) > d.emitted {
		d.emit(all[d.emitted:])
	}

	if trimmed := strings.TrimRight(body, " "); strings.HasSuffix(trimmed, wire.ErrorNotice) {
		res.Failed = true
		body = strings.TrimSuffix(trimmed, wire.ErrorNotice)
	}
	res.Text = strings.TrimSpace(body)
	return res, nil
}

// partial returns what has been shown so far.
func (d *textDecoder) partial() *Result {
	all := d.buf.String()
	end := d.emitted
	if end > len(all) {
		end = len(all)
	}
	return &Result{Text: strings.TrimSpace(all[:end])}
}

func consumeText(ctx context.Context, r io.Reader, onText func(string)) (*Result, error) {
	dec := newTextDecoder(onText)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			dec.feed(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return aborted(dec.partial()), nil
			}
			return dec.finish()
		}
		if err != nil {
			if ctx.Err() != nil {
				return aborted(dec.partial()), nil
			}
			return dec.partial(), fmt.Errorf("read stream: %w", err)
		}
	}
}

func consumeNDJSON(ctx context.Context, r io.Reader, onText func(string)) (*Result, error) {
	var text strings.Builder
	res := &Result{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, readChunkSize), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var f wire.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			res.Text = strings.TrimSpace(text.String())
			return res, fmt.Errorf("decode stream frame: %w", err)
		}
		switch f.Type {
		case wire.FrameContent:
			text.WriteString(f.Content)
			onText(f.Content)
		case wire.FrameMetadata:
			res.ConversationID = f.ConversationID
		case wire.FrameError:
			res.Failed = true
		}
	}
	res.Text = strings.TrimSpace(text.String())

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return aborted(res), nil
		}
		return res, fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil && res.ConversationID == "" && !res.Failed {
		return aborted(res), nil
	}
	return res, nil
}

func aborted(res *Result) *Result {
	res.Aborted = true
	res.ConversationID = ""
	return res
}

// completePrefix returns the length of the longest prefix of p that does not
// end inside a multi-byte UTF-8 sequence.
func completePrefix(p []byte) int {
	// A sequence is at most utf8.UTFMax bytes, so only the tail needs checking.
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	for n := min(len(marker)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
