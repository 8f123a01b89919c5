package message

import (
	"fmt"
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

// payloadFactories maps each message type to a constructor for its payload
// struct. Decode consults this table; a type absent here is rejected at the
// transport boundary.
var payloadFactories = map[Type]func() Payload{
	TypeRegister:        func() Payload { return &RegisterPayload{} },
	TypeUnregister:      func() Payload { return &UnregisterPayload{} },
	TypeHeartbeat:       func() Payload { return &HeartbeatPayload{} },
	TypeTaskCreate:      func() Payload { return &TaskCreatePayload{} },
	TypeTaskUpdate:      func() Payload { return &TaskUpdatePayload{} },
	TypeTaskComplete:    func() Payload { return &TaskCompletePayload{} },
	TypeTaskFail:        func() Payload { return &TaskFailPayload{} },
	TypeStorageSet:      func() Payload { return &StorageSetPayload{} },
	TypeStorageDelete:   func() Payload { return &StorageDeletePayload{} },
	TypeStorageRequest:  func() Payload { return &StorageRequestPayload{} },
	TypeStorageResponse: func() Payload { return &StorageResponsePayload{} },
	TypeDataRequest:     func() Payload { return &DataRequestPayload{} },
	TypeDataResponse:    func() Payload { return &DataResponsePayload{} },
	TypeStreamChunk:     func() Payload { return &StreamChunkPayload{} },
	TypeError:           func() Payload { return &ErrorPayload{} },
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", errors.ErrInvalidMessage, field)
}

// RegisterPayload announces a service and its capabilities to peers.
type RegisterPayload struct {
	ServiceID    string            `json:"serviceId"`
	ServiceType  string            `json:"serviceType"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate implements Payload.
func (p *RegisterPayload) Validate() error {
	if p.ServiceID == "" {
		return missing("serviceId")
	}
	if p.ServiceType == "" {
		return missing("serviceType")
	}
	return nil
}

// UnregisterPayload announces an orderly departure.
type UnregisterPayload struct {
	ServiceID string `json:"serviceId"`
}

// Validate implements Payload.
func (p *UnregisterPayload) Validate() error {
	if p.ServiceID == "" {
		return missing("serviceId")
	}
	return nil
}

// HeartbeatPayload refreshes a service's liveness.
type HeartbeatPayload struct {
	ServiceID string `json:"serviceId"`
}

// Validate implements Payload.
func (p *HeartbeatPayload) Validate() error {
	if p.ServiceID == "" {
		return missing("serviceId")
	}
	return nil
}

// TaskCreatePayload requests execution of a task, either targeted at a
// specific service or broadcast for capability matching.
type TaskCreatePayload struct {
	TaskID     string         `json:"taskId"`
	TaskType   string         `json:"taskType"`
	Parameters map[string]any `json:"parameters,omitempty"`
	AssignedTo string         `json:"assignedTo,omitempty"`
	Priority   int            `json:"priority"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
	RetryCount int            `json:"retryCount"`
}

// Validate implements Payload.
func (p *TaskCreatePayload) Validate() error {
	if p.TaskID == "" {
		return missing("taskId")
	}
	if p.TaskType == "" {
		return missing("taskType")
	}
	return nil
}

// TaskUpdatePayload reports non-terminal task progress.
type TaskUpdatePayload struct {
	TaskID     string  `json:"taskId"`
	Status     string  `json:"status"`
	AssignedTo string  `json:"assignedTo,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Validate implements Payload.
func (p *TaskUpdatePayload) Validate() error {
	if p.TaskID == "" {
		return missing("taskId")
	}
	if p.Status == "" {
		return missing("status")
	}
	return nil
}

// TaskCompletePayload carries a successful task result.
type TaskCompletePayload struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo,omitempty"`
	Result     any    `json:"result,omitempty"`
}

// Validate implements Payload.
func (p *TaskCompletePayload) Validate() error {
	if p.TaskID == "" {
		return missing("taskId")
	}
	return nil
}

// TaskFailPayload carries a task failure and whether it may be retried.
type TaskFailPayload struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo,omitempty"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Retryable  bool   `json:"retryable"`
	RetryCount int    `json:"retryCount"`
}

// Validate implements Payload.
func (p *TaskFailPayload) Validate() error {
	if p.TaskID == "" {
		return missing("taskId")
	}
	if p.Error == "" {
		return missing("error")
	}
	return nil
}

// StorageSetPayload broadcasts a versioned write so peers can invalidate
// or refresh their caches.
type StorageSetPayload struct {
	Namespace string            `json:"namespace"`
	Key       string            `json:"key"`
	Value     any               `json:"value"`
	Version   int64             `json:"version"`
	TTLMs     int64             `json:"ttlMs,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Validate implements Payload.
func (p *StorageSetPayload) Validate() error {
	if p.Namespace == "" {
		return missing("namespace")
	}
	if p.Key == "" {
		return missing("key")
	}
	if p.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", errors.ErrInvalidMessage)
	}
	return nil
}

// StorageDeletePayload broadcasts a key removal.
type StorageDeletePayload struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// Validate implements Payload.
func (p *StorageDeletePayload) Validate() error {
	if p.Namespace == "" {
		return missing("namespace")
	}
	if p.Key == "" {
		return missing("key")
	}
	return nil
}

// StorageRequestPayload asks peers for a key this process does not hold.
// Version 0 means any version.
type StorageRequestPayload struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Version   int64  `json:"version,omitempty"`
}

// Validate implements Payload.
func (p *StorageRequestPayload) Validate() error {
	if p.Namespace == "" {
		return missing("namespace")
	}
	if p.Key == "" {
		return missing("key")
	}
	return nil
}

// StorageResponsePayload answers a storage request.
type StorageResponsePayload struct {
	Found     bool              `json:"found"`
	Namespace string            `json:"namespace"`
	Key       string            `json:"key"`
	Value     any               `json:"value,omitempty"`
	Version   int64             `json:"version,omitempty"`
	TTLMs     int64             `json:"ttlMs,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt,omitempty"`
}

// Validate implements Payload.
func (p *StorageResponsePayload) Validate() error {
	if p.Namespace == "" {
		return missing("namespace")
	}
	if p.Key == "" {
		return missing("key")
	}
	if p.Found && p.Version < 1 {
		return fmt.Errorf("%w: found entry must carry a version", errors.ErrInvalidMessage)
	}
	return nil
}

// DataRequestPayload asks a provider for data of a given type. A stream
// request sets the envelope's replyTo header to the subject chunks should
// be published on.
type DataRequestPayload struct {
	RequestID  string         `json:"requestId"`
	DataType   string         `json:"dataType"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
}

// Validate implements Payload.
func (p *DataRequestPayload) Validate() error {
	if p.RequestID == "" {
		return missing("requestId")
	}
	if p.DataType == "" {
		return missing("dataType")
	}
	return nil
}

// DataResponsePayload answers a point data request.
type DataResponsePayload struct {
	RequestID string      `json:"requestId"`
	DataType  string      `json:"dataType"`
	Data      any         `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// Validate implements Payload.
func (p *DataResponsePayload) Validate() error {
	if p.RequestID == "" {
		return missing("requestId")
	}
	return nil
}

// StreamChunkPayload carries one ordered chunk of a streamed response.
// Sequence starts at 0 and increments by one; IsLast marks the final chunk.
type StreamChunkPayload struct {
	RequestID string     `json:"requestId"`
	Sequence  int        `json:"sequence"`
	Data      any        `json:"data,omitempty"`
	IsLast    bool       `json:"isLast"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Validate implements Payload.
func (p *StreamChunkPayload) Validate() error {
	if p.RequestID == "" {
		return missing("requestId")
	}
	if p.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence", errors.ErrInvalidMessage)
	}
	return nil
}

// ErrorInfo is the machine-readable error surfaced in replies.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is a standalone error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validate implements Payload.
func (p *ErrorPayload) Validate() error {
	if p.Code == "" {
		return missing("code")
	}
	return nil
}

// FromError converts an error into its wire representation.
func FromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: string(errors.CodeOf(err)), Message: err.Error()}
}
