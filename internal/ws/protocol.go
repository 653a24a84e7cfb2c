package ws

import (
	"html/template"
	"time"
)

type MessageType string

const (
	MsgRender MessageType = "render"
)

// WSMessage is the envelope pushed to dashboard browsers.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// RenderPayload carries the full contents of one container.
type RenderPayload struct {
	Container  string        `json:"container"`
	HTML       template.HTML `json:"html"`
	Version    uint64        `json:"version"`
	Stale      bool          `json:"stale"`
	Note       string        `json:"note,omitempty"`
	RenderedAt time.Time     `json:"renderedAt"`
}
