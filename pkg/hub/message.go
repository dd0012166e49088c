// Package hub fans out JSON telemetry to websocket clients using a single
// broadcast goroutine per hub.
package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds.
const (
	KindTick = "tick"
	KindCop  = "cop"
)

// Envelope wraps every payload sent to clients.
type Envelope struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Encode marshals v in an envelope of the given kind.
func Encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(Envelope{Kind: kind, Time: time.Now(), Data: v})
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", kind, err)
	}
	return data, nil
}
