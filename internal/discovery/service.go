// Package discovery finds DLNA renderers on the LAN and turns them into
// device descriptors the manager can register.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"go2tv.app/go2tv/v2/devices"

	"go2tv.app/loopcast/internal/adapters"
	"go2tv.app/loopcast/internal/domain"
)

const (
	defaultTimeout               = 2500 * time.Millisecond
	reachabilityWait             = 400 * time.Millisecond
	defaultDiscoveryDelaySeconds = 1
	maxPerAttemptTimeoutMS       = 3000
)

var isReachableAddress = defaultReachableAddress

type Options struct {
	// Timeout bounds one Discover call. Running out of time yields an
	// empty result, not an error.
	Timeout time.Duration
	// ReachableOnly drops devices whose description URL does not accept a
	// TCP connection.
	ReachableOnly bool
}

type Service struct {
	adapter       adapters.Discovery
	timeout       time.Duration
	reachableOnly bool
}

func NewService(adapter adapters.Discovery, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Service{
		adapter:       adapter,
		timeout:       opts.Timeout,
		reachableOnly: opts.ReachableOnly,
	}
}

// Discover returns every DLNA renderer that answered within the timeout,
// sorted by name. Names are unique in the result.
func (s *Service) Discover(ctx context.Context) ([]domain.DeviceInfo, error) {
	if s.adapter == nil {
		return nil, errors.New("discovery adapter is not configured")
	}

	type result struct {
		devices []devices.Device
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		loaded, err := s.loadAllDevicesUntilTimeout(ctx)
		resultCh <- result{devices: loaded, err: err}
	}()

	timeout := time.NewTimer(s.timeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return []domain.DeviceInfo{}, nil
	case res := <-resultCh:
		if res.err != nil {
			if errors.Is(res.err, devices.ErrNoDeviceAvailable) {
				return []domain.DeviceInfo{}, nil
			}
			return nil, res.err
		}

		found := normalizeDevices(res.devices)
		if s.reachableOnly {
			found = filterReachable(found)
		}
		sortDevices(found)
		return uniqueNames(found), nil
	}
}

func (s *Service) loadAllDevicesUntilTimeout(ctx context.Context) ([]devices.Device, error) {
	deadline := time.Now().Add(s.timeout)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remainingMS := int(time.Until(deadline).Milliseconds())
		if remainingMS <= 0 {
			if errors.Is(lastErr, devices.ErrNoDeviceAvailable) || lastErr == nil {
				return []devices.Device{}, nil
			}
			return nil, lastErr
		}

		attemptTimeoutMS := min(remainingMS, maxPerAttemptTimeoutMS)
		loaded, err := s.adapter.LoadAllDevices(timeoutToDelaySeconds(attemptTimeoutMS))
		if err == nil {
			return loaded, nil
		}
		if !errors.Is(err, devices.ErrNoDeviceAvailable) {
			return nil, err
		}

		lastErr = err
	}
}

func timeoutToDelaySeconds(timeoutMS int) int {
	seconds := int(math.Ceil(float64(timeoutMS) / 1000.0))
	if seconds <= 0 {
		return defaultDiscoveryDelaySeconds
	}
	return seconds
}

// normalizeDevices keeps DLNA renderers only. The description URL doubles as
// the action endpoint of the go2tv dialect.
func normalizeDevices(discovered []devices.Device) []domain.DeviceInfo {
	result := make([]domain.DeviceInfo, 0, len(discovered))
	for _, raw := range discovered {
		if !isDLNA(raw.Type) || raw.IsAudioOnly {
			continue
		}
		address := strings.TrimSpace(raw.Addr)
		name := strings.TrimSpace(raw.Name)
		if address == "" || name == "" {
			continue
		}

		result = append(result, domain.DeviceInfo{
			Name:           name,
			Hostname:       hostOf(address),
			Type:           domain.TypeDLNA,
			ActionEndpoint: address,
			FriendlyName:   name,
			Source:         domain.SourceDiscovery,
		})
	}
	return result
}

func isDLNA(kind string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(kind)), "dlna")
}

func hostOf(address string) string {
	parsed, err := url.Parse(address)
	if err != nil || parsed.Hostname() == "" {
		return strings.ToLower(address)
	}
	return strings.ToLower(parsed.Hostname())
}

func filterReachable(all []domain.DeviceInfo) []domain.DeviceInfo {
	filtered := make([]domain.DeviceInfo, 0, len(all))
	for _, dev := range all {
		if isReachableAddress(dev.ActionEndpoint, reachabilityWait) {
			filtered = append(filtered, dev)
		}
	}
	return filtered
}

func sortDevices(all []domain.DeviceInfo) {
	sort.Slice(all, func(i, j int) bool {
		if li, lj := strings.ToLower(all[i].Name), strings.ToLower(all[j].Name); li != lj {
			return li < lj
		}
		return canonicalAddress(all[i].ActionEndpoint) < canonicalAddress(all[j].ActionEndpoint)
	})
}

// uniqueNames suffixes repeated names with the renderer host. Two TVs of the
// same model commonly advertise the same friendly name, and the registry is
// keyed by name. Input must be sorted.
func uniqueNames(all []domain.DeviceInfo) []domain.DeviceInfo {
	counts := map[string]int{}
	for _, dev := range all {
		counts[dev.Name]++
	}
	used := map[string]bool{}
	for i := range all {
		if counts[all[i].Name] < 2 {
			used[all[i].Name] = true
			continue
		}
		candidate := fmt.Sprintf("%s (%s)", all[i].Name, all[i].Hostname)
		for n := 2; used[candidate]; n++ {
			candidate = fmt.Sprintf("%s (%s #%d)", all[i].Name, all[i].Hostname, n)
		}
		used[candidate] = true
		all[i].Name = candidate
	}
	return all
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := strings.TrimSpace(strings.ToLower(parsed.EscapedPath()))
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s://%s:%s%s", strings.ToLower(parsed.Scheme), host, port, path)
}

func defaultReachableAddress(address string, timeout time.Duration) bool {
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return false
	}

	hostPort := parsed.Host
	if parsed.Port() == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			hostPort = net.JoinHostPort(parsed.Hostname(), "443")
		} else {
			hostPort = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
