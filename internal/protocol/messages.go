// Package protocol defines the JSON messages herald exchanges on the bus.
package protocol

import "time"

// AnnouncementEvent is published after an announcement has been stored.
type AnnouncementEvent struct {
	EventID       string    `json:"event_id"`
	RecordID      int64     `json:"record_id"`
	DeviceID      string    `json:"device_id"`
	VenueID       string    `json:"venue_id"`
	Text          string    `json:"text"`
	Category      string    `json:"category"`
	Stage         string    `json:"stage"`
	Score         float64   `json:"score"`
	Confidence    float64   `json:"confidence"`
	AudioDuration float64   `json:"audio_duration"`
	DetectedAt    time.Time `json:"detected_at"`
}

// ListenerAnnouncement advertises a listener and what it captures from.
type ListenerAnnouncement struct {
	DeviceID   string    `json:"device_id"`
	VenueID    string    `json:"venue_id"`
	Version    string    `json:"version,omitempty"`
	Capture    string    `json:"capture"`
	SampleRate int       `json:"sample_rate"`
	Timestamp  time.Time `json:"timestamp"`
}

// ListenerHeartbeat is sent periodically while the listener is running.
type ListenerHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Listening bool      `json:"listening"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAnnouncementDetected    = "announcement.detected"
	SubjectListenerAnnounce        = "ctrl.listener.announce"
	SubjectListenerHeartbeatPrefix = "ctrl.listener.heartbeat"
)

// HeartbeatSubject returns the heartbeat subject for one device.
func HeartbeatSubject(deviceID string) string {
	return SubjectListenerHeartbeatPrefix + "." + deviceID
}
