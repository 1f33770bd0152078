package domain

import "time"

type DeviceStatus string

const (
	StatusDisconnected DeviceStatus = "disconnected"
	StatusConnected    DeviceStatus = "connected"
	StatusError        DeviceStatus = "error"
)

// Device types select the transport-control dialect used for a renderer.
const (
	TypeDLNA        = "dlna"
	TypeAVTransport = "avtransport"
)

// Sources record how a device entered the registry.
const (
	SourceConfig    = "config"
	SourceDiscovery = "discovery"
	SourceAPI       = "api"
)

// DeviceInfo is the connection identity of a renderer as reported by discovery
// or configuration.
type DeviceInfo struct {
	Name           string `json:"name" yaml:"name"`
	Hostname       string `json:"hostname" yaml:"hostname"`
	Type           string `json:"type" yaml:"type"`
	ActionEndpoint string `json:"action_endpoint" yaml:"action_endpoint"`
	FriendlyName   string `json:"friendly_name" yaml:"friendly_name"`
	Source         string `json:"source,omitempty" yaml:"-"`
}

// SameConnection reports whether two descriptors would drive the device the same way.
func (d DeviceInfo) SameConnection(other DeviceInfo) bool {
	return d.Name == other.Name &&
		d.Hostname == other.Hostname &&
		d.Type == other.Type &&
		d.ActionEndpoint == other.ActionEndpoint &&
		d.FriendlyName == other.FriendlyName
}

// Device is a snapshot of a registered renderer and its playback state.
type Device struct {
	DeviceInfo

	InstanceID          string       `json:"instance_id"`
	Status              DeviceStatus `json:"status"`
	IsPlaying           bool         `json:"is_playing"`
	CurrentVideoPath    string       `json:"current_video_path,omitempty"`
	AssignedVideoPath   string       `json:"assigned_video_path,omitempty"`
	PlaybackPosition    float64      `json:"playback_position"`
	PlaybackDuration    float64      `json:"playback_duration"`
	PlaybackProgressPct float64      `json:"playback_progress_pct"`
	RegisteredAt        time.Time    `json:"registered_at"`
	LastSeenAt          time.Time    `json:"last_seen_at"`
}
