package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Command string

const (
	Identify Command = "identify"
	Direct   Command = "dm"
	Public   Command = "public"
	Channel  Command = "channel"
)

// Known reports whether c is one of the commands this node understands.
func (c Command) Known() bool {
	switch c {
	case Identify, Direct, Public, Channel:
		return true
	}
	return false
}

var ErrInvalidMessage = errors.New("invalid message")

// ChatMessage is the unit exchanged between two peer engines. Channel is only
// meaningful for Channel commands.
type ChatMessage struct {
	Command Command   `json:"command"`
	Sender  string    `json:"sender"`
	Payload string    `json:"payload,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Time    time.Time `json:"time"`
}

func NewMessage(cmd Command, sender, payload string) *ChatMessage {
	return &ChatMessage{
		Command: cmd,
		Sender:  sender,
		Payload: payload,
		Time:    time.Now().UTC().Round(0),
	}
}

func NewIdentify(sender string) *ChatMessage {
	return NewMessage(Identify, sender, "")
}

func NewChannelMessage(sender, channel, payload string) *ChatMessage {
	msg := NewMessage(Channel, sender, payload)
	msg.Channel = channel
	return msg
}

// Validate checks the fields every well-formed message carries. Unknown
// commands pass so receivers can ignore them.
func (m *ChatMessage) Validate() error {
	if m.Command == "" {
		return fmt.Errorf("%w: missing command", ErrInvalidMessage)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if m.Command == Channel && m.Channel == "" {
		return fmt.Errorf("%w: channel message without channel", ErrInvalidMessage)
	}
	if m.Command != Channel && m.Channel != "" {
		return fmt.Errorf("%w: channel set on %s message", ErrInvalidMessage, m.Command)
	}
	return nil
}

func (m *ChatMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialization error: %w", err)
	}
	return data, nil
}

func Unmarshal(data []byte) (*ChatMessage, error) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
