// Package renderer drives a single media renderer over its transport-control
// dialect and keeps the assigned URL looping.
package renderer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect is the transport-control action set of one renderer endpoint.
// Implementations must be safe for concurrent use.
type Dialect interface {
	SetURI(ctx context.Context, mediaURL string) error
	Play(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, target string) error
	TransportInfo(ctx context.Context) (TransportInfo, error)
	PositionInfo(ctx context.Context) (PositionInfo, error)
}

type TransportInfo struct {
	// State is normalized: playing, paused, stopped, buffering or the raw
	// lower-cased value for anything else.
	State  string
	Status string
}

type PositionInfo struct {
	Position time.Duration
	Duration time.Duration
}

func normalizeDLNAState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "playing":
		return "playing"
	case "paused", "paused_playback", "paused_recording":
		return "paused"
	case "stopped", "no_media_present":
		return "stopped"
	case "buffering", "transitioning":
		return "buffering"
	default:
		return s
	}
}

// parseClock reads the H+:MM:SS[.F] notation used by REL_TIME and
// TrackDuration. NOT_IMPLEMENTED and malformed values report false.
func parseClock(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "NOT_IMPLEMENTED") {
		return 0, false
	}
	if i := strings.IndexByte(v, '/'); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(strings.TrimPrefix(parts[0], "+"))
	if err != nil || hours < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, true
}

// formatClock renders d as H:MM:SS for REL_TIME seeks.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
