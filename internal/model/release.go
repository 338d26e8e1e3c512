package model

// TrackStatus is the persisted pipeline state of a track
type TrackStatus string

const (
	TrackStatusNone        TrackStatus = ""
	TrackStatusPending     TrackStatus = "pending"
	TrackStatusUploading   TrackStatus = "uploading"
	TrackStatusEncoding    TrackStatus = "encoding"
	TrackStatusEncoded     TrackStatus = "encoded"
	TrackStatusTranscoding TrackStatus = "transcoding"
	TrackStatusStored      TrackStatus = "stored"
	TrackStatusError       TrackStatus = "error"
)

// TerminalTrackStatuses cannot be left by the pipeline.
var TerminalTrackStatuses = []TrackStatus{TrackStatusStored, TrackStatusError}

// IsTerminal reports whether s is stored or error
func (s TrackStatus) IsTerminal() bool {
	return s == TrackStatusStored || s == TrackStatusError
}

// Release is the slice of the release document the pipeline reads
type Release struct {
	ID     string  `json:"id" bson:"_id"`
	UserID string  `json:"userId" bson:"user"`
	Title  string  `json:"title" bson:"title"`
	Tracks []Track `json:"tracks" bson:"tracks"`
}

// Track is one audio track within a release
type Track struct {
	ID        string      `json:"id" bson:"_id"`
	Title     string      `json:"title" bson:"trackTitle"`
	Status    TrackStatus `json:"status" bson:"status"`
	MP3Status TrackStatus `json:"mp3Status,omitempty" bson:"mp3Status,omitempty"`
	Duration  float64     `json:"duration,omitempty" bson:"duration,omitempty"`
}

// Track field names used in conditional updates
const (
	TrackFieldStatus    = "status"
	TrackFieldMP3Status = "mp3Status"
	TrackFieldDuration  = "duration"
)

// TrackUpdate is a conditional write to one track. It applies only while
// the track's Field holds one of In (when set) and none of NotIn. UserID,
// when set, scopes the update to the release owner. Set carries extra track
// fields written alongside the transition.
type TrackUpdate struct {
	ReleaseID string
	TrackID   string
	UserID    string
	Field     string
	In        []TrackStatus
	NotIn     []TrackStatus
	To        TrackStatus
	Set       map[string]interface{}
}
