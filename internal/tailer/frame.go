package tailer

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Frame is one SSE frame. The wire form is
//
//	id: <cursor>\nevent: <kind>\ndata: <json>\n\n\n
//
// The double-blank terminator is part of the client compatibility contract.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

func (f Frame) WriteTo(w io.Writer) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n\n", f.ID, f.Event, f.Data)
	return err
}

func jsonFrame(cursor int64, event string, data any) Frame {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	return Frame{ID: strconv.FormatInt(cursor, 10), Event: event, Data: raw}
}
