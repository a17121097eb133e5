package events

import "time"

// Built-in event types reported automatically by the SDK.
const (
	TypeVariableEvaluated = "variableEvaluated"
	TypeVariableDefaulted = "variableDefaulted"
	TypeCustom            = "customEvent"
)

// Event is a single tracked occurrence. Custom events keep their
// user-supplied type in CustomType and go over the wire typed as
// "customEvent"; SDK-internal events use their type directly.
type Event struct {
	Type        string            `json:"type"`
	CustomType  string            `json:"customType,omitempty"`
	UserID      string            `json:"user_id"`
	Target      string            `json:"target,omitempty"`
	Value       float64           `json:"value"`
	ClientDate  int64             `json:"clientDate"`
	MetaData    map[string]any    `json:"metaData,omitempty"`
	FeatureVars map[string]string `json:"featureVars,omitempty"`
}

// NewCustomEvent builds a user-tracked event stamped with the current time.
func NewCustomEvent(customType, target string, value float64, metaData map[string]any) Event {
	return Event{
		Type:       TypeCustom,
		CustomType: customType,
		Target:     target,
		Value:      value,
		ClientDate: time.Now().UnixMilli(),
		MetaData:   metaData,
	}
}

// NewVariableEvent builds the aggregate event recorded on each variable
// access. Defaulted accesses are reported separately from evaluated ones.
func NewVariableEvent(defaulted bool, key string, metaData map[string]any) Event {
	eventType := TypeVariableEvaluated
	if defaulted {
		eventType = TypeVariableDefaulted
	}
	return Event{
		Type:       eventType,
		Target:     key,
		Value:      1,
		ClientDate: time.Now().UnixMilli(),
		MetaData:   metaData,
	}
}

// Payload is one flush batch: the combined event list bound to a snapshot of
// the user that was current when the batch was sealed. The id only identifies
// the batch inside the pending set; it is not part of the wire format.
type Payload struct {
	ID     string  `json:"-"`
	User   any     `json:"user"`
	Events []Event `json:"events"`
}
