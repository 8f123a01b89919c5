package transport

import "encoding/json"

// Recorder receives bus traffic measurements. *metric.Metrics satisfies
// it; a nil recorder disables recording.
type Recorder interface {
	RecordPublished(subject, msgType string)
	RecordReceived(subject, msgType string)
	RecordRejected(reason string)
	RecordBusReconnect()
}

// envelopeType extracts the envelope's type discriminant without decoding
// the full message. Returns "" when the data does not carry one.
func envelopeType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}
