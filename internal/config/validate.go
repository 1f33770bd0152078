package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go2tv.app/loopcast/internal/domain"
)

// Validate checks cfg and returns non-fatal warnings alongside any errors.
// Assignments naming devices that are not configured only warn: discovery
// may still find them.
func (c Config) Validate() ([]string, error) {
	var errs []error
	var warnings []string

	if c.PortMin < 1 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		errs = append(errs, fmt.Errorf("port range %d-%d must satisfy 1 <= port_min <= port_max <= 65535", c.PortMin, c.PortMax))
	}
	if c.ServeIP != "" && net.ParseIP(c.ServeIP) == nil {
		errs = append(errs, fmt.Errorf("serve_ip %q is not an IP address", c.ServeIP))
	}
	switch c.Monitor.Variant {
	case "v1", "v2":
	default:
		errs = append(errs, fmt.Errorf("monitor.variant %q must be v1 or v2", c.Monitor.Variant))
	}

	for name, d := range map[string]time.Duration{
		"discovery.interval":         c.Discovery.Interval,
		"discovery.timeout":          c.Discovery.Timeout,
		"monitor.poll_interval":      c.Monitor.PollInterval,
		"monitor.inactivity_timeout": c.Monitor.InactivityTimeout,
		"monitor.end_margin":         c.Monitor.EndMargin,
		"monitor.stop_wait":          c.Monitor.StopWait,
		"sessions.stall_after":       c.Sessions.StallAfter,
		"sessions.check_interval":    c.Sessions.CheckInterval,
		"scheduler.sweep_interval":   c.Scheduler.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	known := map[string]bool{}
	for i, dev := range c.Devices {
		name := strings.TrimSpace(dev.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
			continue
		}
		if known[name] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate device name %q", i, name))
		}
		known[name] = true
		if strings.TrimSpace(dev.ActionEndpoint) == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: action_endpoint is required", i))
		}
		switch strings.ToLower(dev.Type) {
		case "", domain.TypeDLNA, domain.TypeAVTransport:
		default:
			errs = append(errs, fmt.Errorf("devices[%d]: unsupported type %q", i, dev.Type))
		}
	}

	for i, a := range c.Assignments {
		if strings.TrimSpace(a.Device) == "" || strings.TrimSpace(a.Video) == "" {
			errs = append(errs, fmt.Errorf("assignments[%d]: device and video are required", i))
			continue
		}
		if p := a.EffectivePriority(); p < 0 || p > 100 {
			errs = append(errs, fmt.Errorf("assignments[%d]: priority %d out of range 0..100", i, p))
		}
		if !known[a.Device] {
			warnings = append(warnings, fmt.Sprintf("assignments[%d]: device %q is not configured, waiting for discovery", i, a.Device))
		}
	}

	return warnings, errors.Join(errs...)
}
