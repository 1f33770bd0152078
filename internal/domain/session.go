package domain

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionStalled   SessionStatus = "stalled"
	SessionCompleted SessionStatus = "completed"
)

// Connection event kinds recorded on a streaming session.
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventComplete    = "complete"
	EventStalled     = "stalled"
	EventReconnected = "reconnected"
)

type ConnectionEvent struct {
	Kind    string    `json:"kind"`
	Success bool      `json:"success"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// StreamingSession tracks one file being served to one device by one listener.
type StreamingSession struct {
	ID                string            `json:"session_id"`
	DeviceName        string            `json:"device_name"`
	VideoPath         string            `json:"video_path"`
	ServerIP          string            `json:"server_ip"`
	ServerPort        int               `json:"server_port"`
	Status            SessionStatus     `json:"status"`
	BytesTransferred  int64             `json:"bytes_transferred"`
	ConnectionHistory []ConnectionEvent `json:"connection_history"`
	ConnectionErrors  int               `json:"connection_errors"`
	StartTime         time.Time         `json:"start_time"`
	LastActivityTime  time.Time         `json:"last_activity_time"`
}
