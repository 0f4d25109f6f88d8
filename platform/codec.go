package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ahimsalabs/platform-go/platform/internal/protocol"
)

// MessageCodec decodes newline-delimited JSON array frames.
//
// Wire format (one frame per line):
//
//	[0, "<opaque>"]                                  keep-alive
//	[1, "<event-id>", {"k":"v"}, <any JSON>]         event
//	[255, <status>, {"k":"v"}, <any JSON>]           end-of-stream
//
// A malformed line is dropped and logged; it never aborts the rest of the batch.
type MessageCodec struct {
	logger *slog.Logger

	// Strict makes an unknown type code a decoding error instead of a dropped line.
	Strict bool
}

// NewMessageCodec creates a codec logging dropped lines to logger.
// Pass nil to use slog.Default().
func NewMessageCodec(logger *slog.Logger) *MessageCodec {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageCodec{logger: logger}
}

// Parse consumes every complete line from buf and returns the decoded messages
// in order. A trailing fragment without a delimiter stays in buf and is joined
// with the next chunk written to it.
//
// The error is non-nil only in Strict mode, when a line carried an unknown type
// code; messages decoded before that line are still returned and the remaining
// lines stay consumed.
func (c *MessageCodec) Parse(buf *bytes.Buffer) ([]Message, error) {
	end := bytes.LastIndexByte(buf.Bytes(), protocol.FrameDelimiter)
	if end < 0 {
		return nil, nil
	}
	complete := buf.Next(end + 1)

	var (
		messages []Message
		firstErr error
	)
	for len(complete) > 0 {
		var line []byte
		if i := bytes.IndexByte(complete, protocol.FrameDelimiter); i >= 0 {
			line, complete = complete[:i], complete[i+1:]
		} else {
			line, complete = complete, nil
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		msg, err := decodeFrame(line)
		if err != nil {
			if c.Strict && firstErr == nil && errors.Is(err, ErrUnknownMessageType) {
				firstErr = err
			}
			c.logger.Warn("dropping malformed frame", "line", string(line), "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	return messages, firstErr
}

// ParseBytes decodes a complete payload in one call, ignoring any trailing
// fragment. It is a convenience for tests and one-shot decoding.
func (c *MessageCodec) ParseBytes(data []byte) []Message {
	msgs, _ := c.Parse(bytes.NewBuffer(data))
	return msgs
}

func decodeFrame(line []byte) (Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}

	var code int
	if err := decodeField(fields[0], &code); err != nil {
		return nil, fmt.Errorf("%w: type code: %v", ErrMalformedFrame, err)
	}

	switch code {
	case protocol.TypeKeepAlive:
		if err := checkArity(code, fields, protocol.KeepAliveArity); err != nil {
			return nil, err
		}
		return &KeepAlive{}, nil

	case protocol.TypeEvent:
		if err := checkArity(code, fields, protocol.EventArity); err != nil {
			return nil, err
		}
		var ev Event
		if err := decodeField(fields[1], &ev.ID); err != nil {
			return nil, fmt.Errorf("%w: event id: %v", ErrMalformedFrame, err)
		}
		if err := decodeField(fields[2], &ev.Headers); err != nil {
			return nil, fmt.Errorf("%w: event headers: %v", ErrMalformedFrame, err)
		}
		ev.Body = fields[3]
		return &ev, nil

	case protocol.TypeEndOfStream:
		if err := checkArity(code, fields, protocol.EndOfStreamArity); err != nil {
			return nil, err
		}
		var eos EndOfStream
		if err := decodeField(fields[1], &eos.StatusCode); err != nil {
			return nil, fmt.Errorf("%w: end-of-stream status: %v", ErrMalformedFrame, err)
		}
		if err := decodeField(fields[2], &eos.Headers); err != nil {
			return nil, fmt.Errorf("%w: end-of-stream headers: %v", ErrMalformedFrame, err)
		}
		eos.Info = fields[3]
		return &eos, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, code)
	}
}

// decodeField unmarshals one typed frame element. null is rejected, since
// json.Unmarshal would otherwise leave v at its zero value.
func decodeField(raw json.RawMessage, v any) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("unexpected null")
	}
	return json.Unmarshal(raw, v)
}

func checkArity(code int, fields []json.RawMessage, want int) error {
	if len(fields) != want {
		return fmt.Errorf("%w: type %d has %d elements, want %d", ErrMalformedFrame, code, len(fields), want)
	}
	return nil
}
