// Package action validates agent replies into executable actions.
package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/spachava753/deskeval/internal/models"
)

// DefaultMaxCodeLength bounds a code payload when no ceiling is configured.
const DefaultMaxCodeLength = 8192

// Reply types on the wire.
const (
	replyTypeCode    = "code"
	replyTypeSpecial = "special"
)

// CodecError reports an agent reply that is not a valid action.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return "invalid agent action: " + e.Reason
}

// IsCodecError reports whether err is (or wraps) a CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

// Reply is the wire form of an agent's /act response.
type Reply struct {
	Type  string   `json:"type"`
	Code  *string  `json:"code,omitempty"`
	Name  *string  `json:"name,omitempty"`
	Pause *float64 `json:"pause,omitempty"`
}

// Codec normalizes raw agent replies. It holds no state besides its limits
// and is safe for concurrent use.
type Codec struct {
	MaxCodeLength int
}

// NewCodec creates a codec with the given code length ceiling.
func NewCodec(maxCodeLength int) *Codec {
	if maxCodeLength <= 0 {
		maxCodeLength = DefaultMaxCodeLength
	}
	return &Codec{MaxCodeLength: maxCodeLength}
}

// Normalize turns a raw reply body into an Action or a *CodecError.
func (c *Codec) Normalize(raw []byte) (models.Action, error) {
	reply, err := decodeReply(raw)
	if err != nil {
		return models.Action{}, err
	}
	return c.FromReply(reply)
}

// FromReply validates an already decoded reply.
func (c *Codec) FromReply(reply Reply) (models.Action, error) {
	pause, err := normalizePause(reply.Pause)
	if err != nil {
		return models.Action{}, err
	}

	switch strings.ToLower(strings.TrimSpace(reply.Type)) {
	case replyTypeCode:
		if reply.Code == nil || strings.TrimSpace(*reply.Code) == "" {
			return models.Action{}, &CodecError{Reason: "code action has empty payload"}
		}
		if len(*reply.Code) > c.maxCodeLength() {
			return models.Action{}, &CodecError{
				Reason: fmt.Sprintf("code payload of %d bytes exceeds limit of %d", len(*reply.Code), c.maxCodeLength()),
			}
		}
		return models.Action{Kind: models.ActionCode, Code: *reply.Code, PauseSeconds: pause}, nil

	case replyTypeSpecial:
		if reply.Name == nil {
			return models.Action{}, &CodecError{Reason: "special action has no name"}
		}
		sig := models.ControlSignal(strings.ToUpper(strings.TrimSpace(*reply.Name)))
		switch sig {
		case models.SignalWait, models.SignalDone, models.SignalFail:
			return models.Action{Kind: models.ActionControl, Signal: sig, PauseSeconds: pause}, nil
		default:
			return models.Action{}, &CodecError{Reason: fmt.Sprintf("unknown control signal %q", *reply.Name)}
		}

	default:
		return models.Action{}, &CodecError{Reason: fmt.Sprintf("unknown action type %q", reply.Type)}
	}
}

func (c *Codec) maxCodeLength() int {
	if c.MaxCodeLength <= 0 {
		return DefaultMaxCodeLength
	}
	return c.MaxCodeLength
}

// decodeReply parses the body strictly first. Bodies that are not valid JSON
// get one repair attempt (agents backed by language models often emit
// trailing commas or single quotes); the repaired form must still decode
// into an object.
func decodeReply(raw []byte) (Reply, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Reply{}, &CodecError{Reason: "empty reply"}
	}

	var reply Reply
	err := json.Unmarshal(raw, &reply)
	if err == nil {
		return reply, nil
	}

	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return Reply{}, &CodecError{Reason: fmt.Sprintf("reply is not an action object: %s", err)}
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(raw))
	if repairErr != nil {
		return Reply{}, &CodecError{Reason: fmt.Sprintf("malformed reply: %s", err)}
	}
	if err := json.Unmarshal([]byte(repaired), &reply); err != nil {
		return Reply{}, &CodecError{Reason: fmt.Sprintf("malformed reply: %s", err)}
	}
	return reply, nil
}

func normalizePause(p *float64) (float64, error) {
	if p == nil {
		return models.DefaultPauseSeconds, nil
	}
	if math.IsNaN(*p) || math.IsInf(*p, 0) || *p < 0 {
		return 0, &CodecError{Reason: fmt.Sprintf("invalid pause %v", *p)}
	}
	return *p, nil
}
