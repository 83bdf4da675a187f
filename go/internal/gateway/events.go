package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/mcdev12/meetingmeter/go/internal/models"
)

// MeterEvent is the envelope for every message pushed to websocket clients
type MeterEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of meter event
type EventType string

const (
	EventTypeReading       EventType = "MeterReading"
	EventTypeCommandResult EventType = "CommandResult"
)

// ReadingPayload is a meter reading as sent to clients. Error is set while
// the meter has lost its store subscription.
type ReadingPayload struct {
	ElapsedSeconds     float64              `json:"elapsed_seconds"`
	TotalCost          float64              `json:"total_cost"`
	PerParticipantCost map[string]float64   `json:"per_participant_cost"`
	Participants       []models.Participant `json:"participants"`
	IsRunning          bool                 `json:"is_running"`
	AccumulatedSeconds float64              `json:"accumulated_seconds"`
	StartAnchor        *time.Time           `json:"start_anchor,omitempty"`
	Version            uint64               `json:"version"`
	ComputedAt         time.Time            `json:"computed_at"`
	Error              string               `json:"error,omitempty"`
}

// CommandResultPayload answers one ClientMessage on the connection that sent it
type CommandResultPayload struct {
	RequestID   string              `json:"request_id,omitempty"`
	Command     CommandType         `json:"command"`
	OK          bool                `json:"ok"`
	Error       string              `json:"error,omitempty"`
	ErrorKind   string              `json:"error_kind,omitempty"`
	Participant *models.Participant `json:"participant,omitempty"`
}

// CommandType names a command sent by a websocket client
type CommandType string

const (
	CommandAddParticipant    CommandType = "add_participant"
	CommandRemoveParticipant CommandType = "remove_participant"
	CommandStart             CommandType = "start"
	CommandStop              CommandType = "stop"
	CommandReset             CommandType = "reset"
)

// ClientMessage is a command received from a websocket client
type ClientMessage struct {
	RequestID     string      `json:"request_id,omitempty"`
	Type          CommandType `json:"type"`
	Name          string      `json:"name,omitempty"`
	Role          string      `json:"role,omitempty"`
	ParticipantID string      `json:"participant_id,omitempty"`
}

// NewReadingPayload converts a meter reading for the wire
func NewReadingPayload(r meter.Reading) ReadingPayload {
	p := ReadingPayload{
		ElapsedSeconds:     r.ElapsedSeconds,
		TotalCost:          r.TotalCost,
		PerParticipantCost: r.PerParticipantCost,
		Participants:       r.Participants,
		IsRunning:          r.IsRunning,
		AccumulatedSeconds: r.AccumulatedSeconds,
		StartAnchor:        r.StartAnchor,
		Version:            r.Version,
		ComputedAt:         r.ComputedAt,
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}
	if p.Participants == nil {
		p.Participants = []models.Participant{}
	}
	if p.PerParticipantCost == nil {
		p.PerParticipantCost = map[string]float64{}
	}
	return p
}

// NewMeterEvent wraps payload in an envelope
func NewMeterEvent(sessionID string, eventType EventType, payload interface{}) (*MeterEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &MeterEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *MeterEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeReading:
		var payload ReadingPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeCommandResult:
		var payload CommandResultPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", event.Type)
	}
}
