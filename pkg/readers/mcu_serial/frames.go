package mcu_serial

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotJSON        = errors.New("frame is not a json object")
	ErrMalformedFrame = errors.New("could not parse incoming message from reader")
	ErrContentRange   = errors.New("content value out of byte range")
	ErrFrameTooLong   = errors.New("frame exceeds maximum length")
)

// maxFrameLen is well above the largest reply, 256 content values.
const maxFrameLen = 4096

// Message is a reply from the reader firmware.
type Message struct {
	Error   string `json:"error,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Content []int  `json:"content,omitempty"`
}

// Bytes converts the numeric content array to bytes.
func (m *Message) Bytes() ([]byte, error) {
	data := make([]byte, len(m.Content))
	for i, v := range m.Content {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: %d", ErrContentRange, v)
		}
		data[i] = byte(v)
	}
	return data, nil
}

// ParseFrame decodes one line received from the reader. Empty lines return a
// nil message and no error.
func ParseFrame(line string) (*Message, error) {
	line = strings.TrimSpace(line)

	if len(line) == 0 {
		return nil, nil
	}

	if line[0] != '{' {
		return nil, fmt.Errorf("%w: %q", ErrNotJSON, line)
	}

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, line)
	}

	return &msg, nil
}

// lineBuffer assembles newline-delimited frames from arbitrary byte chunks.
// A frame growing past maxFrameLen is discarded up to its newline.
type lineBuffer struct {
	buf      []byte
	skipping bool
}

// Write returns the frames completed by chunk, and ErrFrameTooLong if a
// frame started being discarded.
func (lb *lineBuffer) Write(chunk []byte) ([]string, error) {
	var lines []string
	var err error
	for _, b := range chunk {
		switch {
		case b == '\n':
			if !lb.skipping {
				lines = append(lines, string(lb.buf))
			}
			lb.buf = nil
			lb.skipping = false
		case lb.skipping:
		case len(lb.buf) >= maxFrameLen:
			lb.buf = nil
			lb.skipping = true
			err = ErrFrameTooLong
		default:
			lb.buf = append(lb.buf, b)
		}
	}
	return lines, err
}
