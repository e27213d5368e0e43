package bus

import (
	"encoding/json"
	"time"
)

// Envelope is the reply format for every bus subject.
type Envelope struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

func successEnvelope(data any) Envelope {
	return Envelope{
		Success:   true,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	}
}

func errorEnvelope(message string) Envelope {
	return Envelope{
		Success:   false,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      map[string]string{"error": message},
	}
}

func (e Envelope) encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// The envelope only holds JSON-safe values; this is a bug guard.
		return []byte(`{"success":false,"data":{"error":"failed to encode response"}}`)
	}
	return data
}
