package flagkit

import (
	"encoding/json"

	"github.com/dmitrymomot/flagkit/pkg/transport"
)

// Wire model aliases so embedders work against the root package only.
type (
	// BucketedConfig is the server-computed configuration for one user.
	BucketedConfig = transport.BucketedConfig
	// ConfigVariable is one bucketed variable value inside a BucketedConfig.
	ConfigVariable = transport.ConfigVariable
	// Feature is one bucketed feature inside a BucketedConfig.
	Feature = transport.Feature
	// SSE carries realtime-push connection parameters from the config.
	SSE = transport.SSE
)

// VariableMap is the variable portion of the current config, handed to
// identify/reset callbacks on completion.
type VariableMap = map[string]ConfigVariable

// ConfigCallback receives the outcome of an identify, reset or refetch.
// Exactly one of variables or err is meaningful.
type ConfigCallback func(variables VariableMap, err error)

// PushMessage is the decoded body of a realtime-push notification. The push
// connection itself is managed by the embedding application; on receipt it
// forwards messages here via Client.HandlePushMessage.
type PushMessage struct {
	Type         string `json:"type"`
	LastModified int64  `json:"lastModified"`
	ETag         string `json:"etag"`
}

// ParsePushMessage decodes the double-encoded push envelope: an outer object
// whose "data" field is a JSON string holding the actual message.
func ParsePushMessage(raw []byte) (PushMessage, error) {
	var envelope struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return PushMessage{}, err
	}
	var msg PushMessage
	if envelope.Data == "" {
		return msg, nil
	}
	if err := json.Unmarshal([]byte(envelope.Data), &msg); err != nil {
		return PushMessage{}, err
	}
	return msg, nil
}
