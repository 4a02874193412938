package session

import (
	"encoding/json"

	"github.com/hazelstream/substream/model"
)

// Wire types for the JSON-lines batch format of spec.md §6. An empty
// events array with a cursor is a keep-alive.
type wireCursor struct {
	EventType   string `json:"event_type"`
	Partition   string `json:"partition"`
	Offset      string `json:"offset"`
	CursorToken string `json:"cursor_token,omitempty"`
}

type wireInfo struct {
	Debug string `json:"debug,omitempty"`
}

type wireBatch struct {
	Cursor wireCursor        `json:"cursor"`
	Events []json.RawMessage `json:"events"`
	Info   *wireInfo         `json:"info,omitempty"`
}

func marshalBatch(cursor model.Cursor, token string, events []json.RawMessage, debug string) ([]byte, error) {
	if events == nil {
		events = []json.RawMessage{}
	}
	batch := wireBatch{
		Cursor: wireCursor{
			EventType:   cursor.Partition.EventType,
			Partition:   cursor.Partition.PartitionID,
			Offset:      cursor.Offset,
			CursorToken: token,
		},
		Events: events,
	}
	if debug != "" {
		batch.Info = &wireInfo{Debug: debug}
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
