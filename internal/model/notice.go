package model

import (
	"encoding/json"
	"fmt"
)

// Notice types written to live connections
const (
	NoticeTrackStatus   = "trackStatus"
	NoticePipelineError = "pipelineError"
	NoticePong          = "pong"

	NoticeEncodingProgressFLAC   = "encodingProgressFLAC"
	NoticeTranscodingProgressAAC = "transcodingProgressAAC"
	NoticeTranscodingProgressMP3 = "transcodingProgressMP3"
	NoticeStoringProgressFLAC    = "storingProgressFLAC"
	NoticeStoringProgressAAC     = "storingProgressAAC"
	NoticeStoringProgressMP3     = "storingProgressMP3"
	NoticeEncodingCompleteFLAC   = "encodingCompleteFLAC"
	NoticeTranscodingCompleteAAC = "transcodingCompleteAAC"
	NoticeTranscodingCompleteMP3 = "transcodingCompleteMP3"
)

// Notice is a typed payload destined for end users.
type Notice struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewNotice marshals payload into a notice of the given type.
func NewNotice(noticeType string, payload interface{}) (Notice, error) {
	if payload == nil {
		return Notice{Type: noticeType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Notice{}, fmt.Errorf("failed to marshal %s notice: %w", noticeType, err)
	}
	return Notice{Type: noticeType, Payload: data}, nil
}

// TrackStatusPayload reports a track status change. Field is set when a
// status other than the main one changed.
type TrackStatusPayload struct {
	ReleaseID string      `json:"releaseId"`
	TrackID   string      `json:"trackId"`
	Status    TrackStatus `json:"status"`
	Field     string      `json:"field,omitempty"`
}

// PipelineErrorPayload attributes a failure to one stage
type PipelineErrorPayload struct {
	Stage     string `json:"stage"`
	ReleaseID string `json:"releaseId"`
	TrackID   string `json:"trackId"`
	Message   string `json:"message"`
}

// ProgressPayload carries an integer percentage for one track
type ProgressPayload struct {
	ReleaseID string `json:"releaseId"`
	TrackID   string `json:"trackId"`
	Progress  int    `json:"progress"`
}

// StageCompletePayload is sent once a stage has stored its output
type StageCompletePayload struct {
	ReleaseID  string `json:"releaseId"`
	TrackID    string `json:"trackId"`
	TrackTitle string `json:"trackTitle,omitempty"`
}
