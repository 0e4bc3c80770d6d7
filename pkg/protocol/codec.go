package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 1024 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes a length-prefixed frame. An empty body is a keep-alive.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame returns the next non-empty frame body, skipping keep-alives.
func ReadFrame(r io.Reader) ([]byte, error) {
	for {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, err
		}
		if msgLen == 0 {
			continue
		}
		if msgLen > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, msgLen)
		}
		body := make([]byte, msgLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}

func WriteMessage(w io.Writer, msg *ChatMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

func ReadMessage(r io.Reader) (*ChatMessage, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(body)
}
