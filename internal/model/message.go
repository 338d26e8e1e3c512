package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MessageType is the discriminant carried in the "type" field of every bus message.
type MessageType string

const (
	MessageTypeKeepAlive    MessageType = "keepAlive"
	MessageTypeGlobalNotice MessageType = "globalNotice"
	MessageTypeUserNotice   MessageType = "userNotice"
	MessageTypeJob          MessageType = "job"
	MessageTypeWorkRange    MessageType = "workRange"
)

// Protocol errors returned by Decode
var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
)

var validate = validator.New()

// Message is one of KeepAlive, GlobalNotice, UserNotice, Job or WorkRange.
type Message interface {
	Kind() MessageType
	isMessage()
}

// KeepAlive is a liveness ping for one live connection
type KeepAlive struct {
	UserID       string `json:"userId" validate:"required"`
	ConnectionID string `json:"connectionId" validate:"required"`
}

// GlobalNotice is delivered to every live connection on every instance
type GlobalNotice struct {
	Notice Notice `json:"notice"`
}

// UserNotice is delivered only to live connections of UserID
type UserNotice struct {
	UserID string `json:"userId" validate:"required"`
	Notice Notice `json:"notice"`
}

// Job is a unit of pipeline work addressed to the stage named by Job.
type Job struct {
	Job        string `json:"job" validate:"required"`
	ReleaseID  string `json:"releaseId" validate:"required"`
	TrackID    string `json:"trackId" validate:"required"`
	UserID     string `json:"userId" validate:"required"`
	TrackTitle string `json:"trackTitle,omitempty"`
}

// WorkRange requests a bounded scan of external events
type WorkRange struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock" validate:"gtefield=FromBlock"`
	RangeKind string `json:"kind,omitempty"`
}

func (KeepAlive) Kind() MessageType    { return MessageTypeKeepAlive }
func (GlobalNotice) Kind() MessageType { return MessageTypeGlobalNotice }
func (UserNotice) Kind() MessageType   { return MessageTypeUserNotice }
func (Job) Kind() MessageType          { return MessageTypeJob }
func (WorkRange) Kind() MessageType    { return MessageTypeWorkRange }

func (KeepAlive) isMessage()    {}
func (GlobalNotice) isMessage() {}
func (UserNotice) isMessage()   {}
func (Job) isMessage()          {}
func (WorkRange) isMessage()    {}

type envelope struct {
	Type MessageType `json:"type"`
}

// Encode serializes m with its discriminant.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case KeepAlive:
		return json.Marshal(struct {
			envelope
			KeepAlive
		}{envelope{v.Kind()}, v})
	case GlobalNotice:
		return json.Marshal(struct {
			envelope
			GlobalNotice
		}{envelope{v.Kind()}, v})
	case UserNotice:
		return json.Marshal(struct {
			envelope
			UserNotice
		}{envelope{v.Kind()}, v})
	case Job:
		return json.Marshal(struct {
			envelope
			Job
		}{envelope{v.Kind()}, v})
	case WorkRange:
		return json.Marshal(struct {
			envelope
			WorkRange
		}{envelope{v.Kind()}, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

// Decode parses a raw bus body into its concrete message type.
// Unknown discriminants wrap ErrUnknownMessage; bad JSON or missing
// required fields wrap ErrMalformedMessage.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg Message
	switch env.Type {
	case MessageTypeKeepAlive:
		msg = &KeepAlive{}
	case MessageTypeGlobalNotice:
		msg = &GlobalNotice{}
	case MessageTypeUserNotice:
		msg = &UserNotice{}
	case MessageTypeJob:
		msg = &Job{}
	case MessageTypeWorkRange:
		msg = &WorkRange{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return deref(msg), nil
}

// deref returns the value form so callers switch on value types only.
func deref(m Message) Message {
	switch v := m.(type) {
	case *KeepAlive:
		return *v
	case *GlobalNotice:
		return *v
	case *UserNotice:
		return *v
	case *Job:
		return *v
	case *WorkRange:
		return *v
	}
	return m
}
