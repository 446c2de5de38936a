package memory

import (
	"fmt"
	"time"

	goccyjson "github.com/goccy/go-json"

	"github.com/chris-alexander-pop/pubsubemu/pkg/events"
	"github.com/chris-alexander-pop/pubsubemu/pkg/pubsubemu"
)

func timeFromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// wireEvent is the JSON envelope an Event is marshaled into; the broker
// attribute map already carries id/type/source redundantly for filtering,
// but Payload only ever travels in the body.
type wireEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func marshalEvent(e events.Event) []byte {
	data, err := goccyjson.Marshal(wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Source:    e.Source,
		Timestamp: e.Timestamp.UnixNano(),
		Payload:   e.Payload,
	})
	if err != nil {
		// Payload failed to marshal: send the envelope without its
		// payload rather than dropping the event.
		data, _ = goccyjson.Marshal(wireEvent{ID: e.ID, Type: e.Type, Source: e.Source})
	}
	return data
}

func unmarshalEvent(m *pubsubemu.Message) (events.Event, error) {
	var w wireEvent
	if err := goccyjson.Unmarshal(m.Data, &w); err != nil {
		return events.Event{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return events.Event{
		ID:        w.ID,
		Type:      w.Type,
		Source:    w.Source,
		Timestamp: timeFromUnixNano(w.Timestamp),
		Payload:   w.Payload,
	}, nil
}
