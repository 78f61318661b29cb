package odooservice

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Envelope is the uniform outcome every operation returns. It is a tagged
// union: a success carries a result (always, even when the result is null),
// a failure carries an error message, and no envelope ever carries both.
// MarshalJSON enforces the shape so callers can branch on the success flag
// alone.
type Envelope struct {
	ok     bool
	result any
	errMsg string
}

// Success wraps a result value.
func Success(result any) Envelope {
	return Envelope{ok: true, result: result}
}

// Failure wraps a fault message.
func Failure(message string) Envelope {
	return Envelope{errMsg: message}
}

// Failuref wraps a formatted fault message.
func Failuref(format string, a ...any) Envelope {
	return Failure(fmt.Sprintf(format, a...))
}

// OK reports whether the envelope is a success.
func (e Envelope) OK() bool { return e.ok }

// Result returns the success value; nil for failures.
func (e Envelope) Result() any { return e.result }

// ErrorMessage returns the fault message; empty for successes.
func (e Envelope) ErrorMessage() string { return e.errMsg }

type successEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

type failureEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.ok {
		result, err := json.Marshal(e.result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return json.Marshal(successEnvelope{Success: true, Result: result})
	}
	return json.Marshal(failureEnvelope{Success: false, Error: e.errMsg})
}

// JSONSchema describes the wire shape for tool output schemas.
func (Envelope) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("success", &jsonschema.Schema{
		Type:        "boolean",
		Description: "Whether the operation succeeded.",
	})
	props.Set("result", &jsonschema.Schema{
		Description: "Operation result, present exactly when success is true.",
	})
	props.Set("error", &jsonschema.Schema{
		Type:        "string",
		Description: "Fault message, present exactly when success is false.",
	})
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{"success"},
	}
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   *string         `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Success {
		var result any
		if len(raw.Result) > 0 {
			if err := json.Unmarshal(raw.Result, &result); err != nil {
				return err
			}
		}
		*e = Success(result)
		return nil
	}
	if raw.Error == nil {
		return fmt.Errorf("failure envelope missing error message")
	}
	*e = Failure(*raw.Error)
	return nil
}
