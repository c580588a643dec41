package push

import (
	"encoding/json"
	"strings"
)

// Action is one button rendered on the displayed notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Payload is the notification document delivered to the push endpoint. Every
// field is optional on the wire; shaping fills the gaps from the configured
// defaults.
type Payload struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Badge   string         `json:"badge,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
}

// Defaults are the fallback values applied when a payload omits a field.
type Defaults struct {
	Title string
	Body  string
	Icon  string
	Badge string
}

// fixedActions are always attached so every notification offers the same two
// choices regardless of what the payload carried.
func fixedActions() []Action {
	return []Action{
		{Action: "view", Title: "View"},
		{Action: "close", Title: "Close"},
	}
}

// ShapePayload normalizes a raw push payload. A missing or malformed document
// is treated as no payload at all: the defaults win rather than the push
// failing.
func ShapePayload(raw []byte, def Defaults) Payload {
	var p Payload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			p = Payload{}
		}
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = def.Title
	}
	if strings.TrimSpace(p.Body) == "" {
		p.Body = def.Body
	}
	if strings.TrimSpace(p.Icon) == "" {
		p.Icon = def.Icon
	}
	if strings.TrimSpace(p.Badge) == "" {
		p.Badge = def.Badge
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	p.Actions = fixedActions()
	return p
}

// ClickTarget resolves where a notification click should navigate. The close
// action suppresses navigation entirely; any other action routes to the
// payload's data.url, falling back to the site root.
func (p Payload) ClickTarget(action string) (url string, navigate bool) {
	if action == "close" {
		return "", false
	}
	if raw, ok := p.Data["url"]; ok {
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "/", true
}
