package domain

import "time"

// DefaultPriority is used when an assignment does not carry one.
const DefaultPriority = 50

// AssignRequest asks the scheduler to play VideoPath on Device.
// A non-nil ScheduleAt defers the attempt until a sweep observes now >= ScheduleAt.
type AssignRequest struct {
	Device     string     `json:"device"`
	VideoPath  string     `json:"video_path"`
	Priority   int        `json:"priority"`
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`
}

type ScheduledAssignment struct {
	Device    string    `json:"device"`
	VideoPath string    `json:"video_path"`
	Priority  int       `json:"priority"`
	FireAt    time.Time `json:"fire_at"`
}

type VideoStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// PlaybackStats is the per-device view of assignment and playback history.
type PlaybackStats struct {
	Device            string                `json:"device"`
	AssignedVideoPath string                `json:"assigned_video_path,omitempty"`
	Priority          int                   `json:"priority"`
	RetryCount        int                   `json:"retry_count"`
	Suspended         bool                  `json:"suspended"`
	Attempts          int                   `json:"attempts"`
	Successes         int                   `json:"successes"`
	SuccessRate       float64               `json:"success_rate"`
	LastAttemptAt     time.Time             `json:"last_attempt_at,omitempty"`
	Videos            map[string]VideoStats `json:"videos"`
	Scheduled         *ScheduledAssignment  `json:"scheduled,omitempty"`
	MonitorRunning    bool                  `json:"monitor_running"`
	MonitoredVideo    string                `json:"monitored_video,omitempty"`
}

// SuccessRate returns successes/attempts as a percentage, 0 when nothing was attempted.
func SuccessRate(attempts, successes int) float64 {
	if attempts <= 0 {
		return 0
	}
	return float64(successes) / float64(attempts) * 100
}

// PlaybackProgress is reported by a renderer control loop after each poll.
type PlaybackProgress struct {
	State    string        `json:"state"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
	Percent  float64       `json:"percent"`
	Playing  bool          `json:"playing"`
}
