// Package events defines the named-event channel the dashboard talks to and
// an in-memory implementation of it.
package events

import (
	"encoding/json"
	"fmt"
)

// Inbound and outbound event names of the KPI notification channel.
const (
	Connect         = "connect"
	Disconnect      = "disconnect"
	FetchKPIs       = "fetch_kpis"
	TaskStarted     = "task_started"
	CheckTaskStatus = "check_task_status"
	KPIData         = "kpi_data"
	TaskStatus      = "task_status"
)

// Handler reacts to one inbound event. Payload is the raw JSON data of the
// event, nil when the event carries none.
type Handler func(payload json.RawMessage)

// Source is a bidirectional named-event channel.
type Source interface {
	// On registers h for event. Handlers of one source run sequentially,
	// in registration order, each to completion before the next event.
	On(event string, h Handler)
	// Emit sends event to the peer. A nil payload sends no data.
	Emit(event string, payload any) error
}

// Message is the wire envelope for one event.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into event data. nil stays nil.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}
	return data, nil
}

// DisconnectPayload is the data of the local disconnect event.
type DisconnectPayload struct {
	Error string `json:"error,omitempty"`
}
