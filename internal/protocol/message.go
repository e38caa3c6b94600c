// Package protocol defines the JSON WebSocket messages exchanged with the
// voice assistant and with status API clients
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Device → assistant / status clients
	TypeWake      MessageType = "wake"      // Wake word heard, with bearing
	TypeDOA       MessageType = "doa"       // Tracked direction of arrival
	TypeDetection MessageType = "detection" // Wake word event for status clients

	// Assistant → device
	TypeAssistantState MessageType = "assistant_state"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// WakeData describes a wake word detection
type WakeData struct {
	Keyword    string  `json:"keyword"`
	Sequence   uint64  `json:"sequence"`
	Confidence float64 `json:"confidence"`
	Azimuth    float64 `json:"azimuth"`
}

// NewWakeMessage creates a wake message for the assistant
func NewWakeMessage(data WakeData) (*Message, error) {
	return NewMessage(TypeWake, data)
}

// NewDetectionMessage creates a detection event for status clients
func NewDetectionMessage(data WakeData) (*Message, error) {
	return NewMessage(TypeDetection, data)
}

// DOAData contains direction of arrival information
type DOAData struct {
	Azimuth         float64 `json:"azimuth"`
	SmoothedAzimuth float64 `json:"smoothed_azimuth"`
	Speaking        bool    `json:"speaking"`
	SpeakingLatched bool    `json:"speaking_latched"`
	Confidence      float64 `json:"confidence"`
}

// NewDOAMessage creates a DOA message
func NewDOAMessage(data DOAData) (*Message, error) {
	return NewMessage(TypeDOA, data)
}

// AssistantState reports what the assistant is doing
type AssistantState struct {
	State string `json:"state"`
}

// GetAssistantState extracts the assistant state from a message
func (m *Message) GetAssistantState() (*AssistantState, error) {
	if m.Type != TypeAssistantState {
		return nil, fmt.Errorf("message type %q is not %q", m.Type, TypeAssistantState)
	}
	var data AssistantState
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// NewPong answers a ping
func NewPong() *Message {
	return &Message{Type: TypePong, Timestamp: time.Now().UnixMilli()}
}
