package realtime

import "encoding/json"

// Wire message types.
const (
	typeSubscribe    = "subscribe"
	typeUnsubscribe  = "unsubscribe"
	typeSyncRequest  = "sync_request"
	typeUpdate       = "update"
	typeSyncResponse = "sync_response"
)

// outboundMessage is the client-to-server frame: a subscribe/unsubscribe
// intent or a post-reconnect sync request.
type outboundMessage struct {
	Type          string   `json:"type"`
	Key           string   `json:"key,omitempty"`
	LastTimestamp int64    `json:"lastTimestamp,omitempty"`
	Keys          []string `json:"keys,omitempty"`
}

// inboundMessage is the server-to-client frame, either a regular update or a
// sync response batch.
type inboundMessage struct {
	Type      string          `json:"type"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Messages  []SyncMessage   `json:"messages,omitempty"`
}

// Message is a regular topic update delivered to the message callback.
type Message struct {
	Key       string
	Value     json.RawMessage
	Timestamp int64
}

// SyncMessage is one entry of a delta-sync response: the server reporting
// which version of a topic the client missed while disconnected.
type SyncMessage struct {
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
}
