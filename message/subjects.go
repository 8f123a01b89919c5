package message

import "fmt"

// Well-known subjects. The delivery policy is fixed per subject:
//
//	fan-out (every subscriber):
//	  - discovery register/unregister/heartbeat: every peer maintains its
//	    own registry view
//	  - task lifecycle (update/complete/fail): every coordinator observes
//	    progress of tasks it created
//	  - task create broadcast: capability matching happens at the receiver
//	  - storage set/delete: cache invalidation must reach every peer
//
//	queue group (exactly one subscriber):
//	  - targeted task create (SubjectTaskCreateFor): the addressed service
//	  - data request per data type: one provider serves each request
//
//	request fan-out, first reply wins:
//	  - storage request: every replica sees it, only holders of the key
//	    reply; the requester's timeout is the negative answer
const (
	SubjectRegister   = "a2a.discovery.register"
	SubjectUnregister = "a2a.discovery.unregister"
	SubjectHeartbeat  = "a2a.discovery.heartbeat"

	SubjectTaskCreate   = "a2a.task.create"
	SubjectTaskUpdate   = "a2a.task.update"
	SubjectTaskComplete = "a2a.task.complete"
	SubjectTaskFail     = "a2a.task.fail"

	SubjectStorageSet     = "a2a.storage.set"
	SubjectStorageDelete  = "a2a.storage.delete"
	SubjectStorageRequest = "a2a.storage.request"
)

// QueueProviders is the queue group data providers join so each request
// is served by exactly one provider instance.
const QueueProviders = "a2a-providers"

// SubjectTaskCreateFor returns the targeted task-create subject for a
// specific service.
func SubjectTaskCreateFor(serviceID string) string {
	return fmt.Sprintf("%s.%s", SubjectTaskCreate, serviceID)
}

// SubjectDataRequest returns the request subject for a data type.
func SubjectDataRequest(dataType string) string {
	return fmt.Sprintf("a2a.data.request.%s", dataType)
}

// SubjectStream returns the per-request subject a stream's chunks are
// published on.
func SubjectStream(requestID string) string {
	return fmt.Sprintf("a2a.stream.%s", requestID)
}
