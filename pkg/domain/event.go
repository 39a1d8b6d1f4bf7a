package domain

import (
	"strings"
	"time"
)

// Event is a usage event submitted for governance evaluation. Fields carries the
// event payload (metrics, content, attributes).
type Event struct {
	ID           string
	Type         string
	Timestamp    time.Time
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       string
	Fields       map[string]any
}

// Resource returns the event's resource reference.
func (e Event) Resource() ResourceRef {
	return ResourceRef{Type: e.ResourceType, ID: e.ResourceID}
}

// Lookup resolves a dotted field path. Top-level names address the envelope; anything
// else is looked up in Fields, with an optional "fields." prefix.
func (e Event) Lookup(path string) (any, bool) {
	switch path {
	case "id":
		return e.ID, e.ID != ""
	case "type", "event_type":
		return e.Type, e.Type != ""
	case "actor_id", "actor":
		return e.ActorID, e.ActorID != ""
	case "resource_type":
		return e.ResourceType, e.ResourceType != ""
	case "resource_id":
		return e.ResourceID, e.ResourceID != ""
	case "resource":
		ref := e.Resource()
		return ref.String(), !ref.IsZero()
	case "action":
		return e.Action, e.Action != ""
	}
	path = strings.TrimPrefix(path, "fields.")
	return lookupPath(e.Fields, path)
}

// Envelope renders the event as a plain map, the shape handed to custom rules.
func (e Event) Envelope() map[string]any {
	return map[string]any{
		"id":            e.ID,
		"type":          e.Type,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor_id":      e.ActorID,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"action":        e.Action,
		"fields":        cloneAny(e.Fields),
	}
}

func lookupPath(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	if value, ok := root[path]; ok {
		return value, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := root[head]
	if !ok {
		return nil, false
	}
	switch typed := child.(type) {
	case map[string]any:
		return lookupPath(typed, rest)
	case map[string]string:
		value, ok := typed[rest]
		return value, ok
	default:
		return nil, false
	}
}

func cloneAny(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
