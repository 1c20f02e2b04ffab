package realtime

import (
	"encoding/json"
)

// Client verbs.
const (
	VerbJoin              = "JOIN"
	VerbLeave             = "LEAVE"
	VerbLockAcquire       = "LOCK_ACQUIRE"
	VerbLockRelease       = "LOCK_RELEASE"
	VerbLockHeartbeat     = "LOCK_HEARTBEAT"
	VerbStream            = "STREAM"
	VerbPatch             = "PATCH"
	VerbPresenceHeartbeat = "PRESENCE_HEARTBEAT"
)

// Server replies. Room notifications use the collab.Notify* types.
const (
	ReplyJoined          = "JOINED"
	ReplyLeft            = "LEFT"
	ReplyLockResult      = "LOCK_RESULT"
	ReplyCommitted       = "COMMITTED"
	ReplyRejectedStale   = "REJECTED_STALE"
	ReplyPresence        = "PRESENCE_OK"
	ReplyError           = "ERROR"
	ReplySessionReplaced = "SESSION_REPLACED"
)

const (
	codeBadRequest = "BAD_REQUEST"
	codeNotJoined  = "NOT_JOINED"
)

// Envelope is the frame every message travels in. Replies echo RequestID.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func encode(typ, requestID string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	out, _ := json.Marshal(Envelope{Type: typ, RequestID: requestID, Payload: raw})
	return out
}

type errorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type joinRequest struct {
	DraftID string `json:"draftId"`
}

type lockRequest struct {
	LockKey string `json:"lockKey"`
}

type lockResult struct {
	LockKey        string `json:"lockKey"`
	Granted        bool   `json:"granted"`
	OwnerSessionID string `json:"ownerSessionId,omitempty"`
}

type patchRequest struct {
	DraftID     string          `json:"draftId"`
	BaseVersion int64           `json:"baseVersion"`
	Commands    json.RawMessage `json:"commands"`
}

type staleResult struct {
	CurrentVersion int64 `json:"currentVersion"`
}

type replacedPayload struct {
	SessionID string `json:"sessionId"`
}
