package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/relay/internal/dispatch"
)

// Envelope kinds.
const (
	KindAct = "act"
	KindRes = "res"
)

// Envelope is the wire form of a call and of its reply.
type Envelope struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id,omitempty"`
	Tx        string         `json:"tx,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
	Msg       map[string]any `json:"msg,omitempty"`
	Res       any            `json:"res,omitempty"`
	Err       *ErrorBody     `json:"err,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Sync      bool           `json:"sync"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

// ErrorBody carries a structured call failure.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Pattern string         `json:"pattern,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// RemoteError is a failure reported by the remote instance.
type RemoteError struct {
	Code    string
	Message string
	Pattern string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// errorBody converts a local failure for the wire. Stack traces stay local.
func errorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	var de *dispatch.Error
	if errors.As(err, &de) {
		details := make(map[string]any, len(de.Details))
		for k, v := range de.Details {
			if k == "stack" {
				continue
			}
			details[k] = v
		}
		return &ErrorBody{Code: de.Code, Message: de.Message, Pattern: de.Pattern, Details: details}
	}
	return &ErrorBody{Code: dispatch.CodeExecute, Message: err.Error()}
}

func (b *ErrorBody) remote() error {
	if b == nil {
		return nil
	}
	return &RemoteError{Code: b.Code, Message: b.Message, Pattern: b.Pattern}
}

// Encode writes env as one JSON document.
func Encode(w io.Writer, env *Envelope) error {
	if err := env.validate(); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// Decode reads one envelope and checks its required fields.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) validate() error {
	switch e.Kind {
	case KindAct:
		if len(e.Msg) == 0 {
			return fmt.Errorf("act envelope missing required field: msg")
		}
	case KindRes:
		if e.ID == "" {
			return fmt.Errorf("res envelope missing required field: id")
		}
		if e.Err != nil && e.Err.Code == "" {
			return fmt.Errorf("res envelope has err but no code")
		}
	case "":
		return fmt.Errorf("envelope missing required field: kind")
	default:
		return fmt.Errorf("invalid kind value: %q (must be %q or %q)", e.Kind, KindAct, KindRes)
	}
	return nil
}
