package transport

import "encoding/json"

// Variable type tags as delivered by the config API.
const (
	TypeString  = "String"
	TypeBoolean = "Boolean"
	TypeNumber  = "Number"
	TypeJSON    = "JSON"
)

// BucketedConfig is the server-computed set of feature and variable values
// assigned to one user. It is replaced wholesale on every successful fetch,
// never merged.
type BucketedConfig struct {
	Project             *Project                  `json:"project,omitempty"`
	Environment         *Environment              `json:"environment,omitempty"`
	Features            map[string]Feature        `json:"features,omitempty"`
	FeatureVariationMap map[string]string         `json:"featureVariationMap,omitempty"`
	Variables           map[string]ConfigVariable `json:"variables,omitempty"`
	KnownVariableKeys   []float64                 `json:"knownVariableKeys,omitempty"`
	SSE                 *SSE                      `json:"sse,omitempty"`
}

// Project identifies the project the config was bucketed for, including the
// settings that gate optional side-calls.
type Project struct {
	ID       string          `json:"_id,omitempty"`
	Key      string          `json:"key,omitempty"`
	Settings ProjectSettings `json:"settings,omitzero"`
}

type ProjectSettings struct {
	EdgeDB EdgeDBSettings `json:"edgeDB,omitzero"`
}

type EdgeDBSettings struct {
	Enabled bool `json:"enabled,omitempty"`
}

type Environment struct {
	ID  string `json:"_id,omitempty"`
	Key string `json:"key,omitempty"`
}

// Feature is one bucketed feature: which variation the user landed in and
// why.
type Feature struct {
	ID            string `json:"_id,omitempty"`
	Key           string `json:"key,omitempty"`
	Type          string `json:"type,omitempty"`
	Variation     string `json:"_variation,omitempty"`
	VariationName string `json:"variationName,omitempty"`
	VariationKey  string `json:"variationKey,omitempty"`
	EvalReason    string `json:"evalReason,omitempty"`
}

// ConfigVariable is one bucketed variable value. Value holds the decoded
// JSON form: string, float64, bool, map or slice depending on Type.
type ConfigVariable struct {
	ID         string `json:"_id,omitempty"`
	Key        string `json:"key,omitempty"`
	Type       string `json:"type,omitempty"`
	Value      any    `json:"value"`
	EvalReason string `json:"evalReason,omitempty"`
}

// SSE carries the realtime-push connection parameters. Managing the
// connection is the embedding application's job; the SDK only consumes the
// refetch signals it produces.
type SSE struct {
	URL             string `json:"url,omitempty"`
	InactivityDelay int64  `json:"inactivityDelay,omitempty"`
}

// Response is the trivial acknowledgement body returned by write endpoints.
type Response struct {
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the error body returned on non-2xx responses. The API
// sends message as either a single string or an array of strings; both
// decode into the slice.
type ErrorResponse struct {
	Message    []string `json:"message,omitempty"`
	Error      string   `json:"error,omitempty"`
	StatusCode int      `json:"statusCode,omitempty"`
}

func (e *ErrorResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message    json.RawMessage `json:"message"`
		Error      string          `json:"error"`
		StatusCode int             `json:"statusCode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Error = raw.Error
	e.StatusCode = raw.StatusCode
	e.Message = nil

	if len(raw.Message) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.Message, &single); err == nil {
		e.Message = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(raw.Message, &many); err == nil {
		e.Message = many
	}
	return nil
}
