// Package message defines the chat message exchanged by relay clients and the
// newline-delimited JSON codec used to put it on the wire.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedMessage is returned when a frame is not a valid JSON message.
var ErrMalformedMessage = errors.New("malformed message")

// Delimiter terminates every encoded frame.
const Delimiter = '\n'

// Message represents one chat message. Author and Text travel on the wire;
// Origin identifies the publishing session inside this process only.
type Message struct {
	Author string `json:"author"`
	Text   string `json:"text"`
	Origin string `json:"-"`
}

// wireMessage uses pointers so that missing fields can be told apart from
// empty strings.
type wireMessage struct {
	Author *string `json:"author"`
	Text   *string `json:"text"`
}

// Encode serializes m as a single JSON object followed by the frame delimiter.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, Delimiter), nil
}

// Decode parses exactly one frame. The trailing delimiter is optional.
func Decode(frame []byte) (Message, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	if len(bytes.TrimSpace(frame)) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}

	dec := json.NewDecoder(bytes.NewReader(frame))
	var wm wireMessage
	if err := dec.Decode(&wm); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Message{}, fmt.Errorf("%w: trailing data after object", ErrMalformedMessage)
	}

	if wm.Author == nil {
		return Message{}, fmt.Errorf("%w: missing field \"author\"", ErrMalformedMessage)
	}
	if wm.Text == nil {
		return Message{}, fmt.Errorf("%w: missing field \"text\"", ErrMalformedMessage)
	}

	return Message{Author: *wm.Author, Text: *wm.Text}, nil
}
