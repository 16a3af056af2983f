package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/chimebot/internal/domain"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypePresenceEvent MessageType = "presence_event"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Control actions a stream client may send.
const (
	ActionPing   = "ping"
	ActionFilter = "filter"
)

// System event codes.
const (
	CodeHello = "hello"
	CodePong  = "pong"
	CodeBye   = "bye"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl adjusts a stream. A filter with an empty session id clears
// the filter.
type ClientControl struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	SessionID string      `json:"session_id,omitempty"`
}

type PresenceEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ChannelID string      `json:"channel_id"`
	UserID    string      `json:"user_id"`
	TSMs      int64       `json:"ts_ms"`
}

// NewPresenceEvent renders a dispatched chime request for the stream.
func NewPresenceEvent(session domain.SessionID, channel domain.ChannelID, user domain.UserID, at time.Time) PresenceEvent {
	return PresenceEvent{
		Type:      TypePresenceEvent,
		SessionID: session.String(),
		ChannelID: channel.String(),
		UserID:    user.String(),
		TSMs:      at.UnixMilli(),
	}
}

type SystemEvent struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"stream_id"`
	Code     string      `json:"code"`
	Detail   string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"stream_id"`
	Code     string      `json:"code"`
	Detail   string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing:
		case ActionFilter:
			if msg.SessionID != "" && !domain.ValidSnowflake(msg.SessionID) {
				return nil, errors.New("invalid client_control: session_id is not a snowflake")
			}
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
