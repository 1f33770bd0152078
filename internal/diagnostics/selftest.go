// Package diagnostics checks that the host can stage and serve media.
package diagnostics

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

var (
	mkdirTemp = os.MkdirTemp
	symlink   = os.Symlink
	listen    = net.Listen
)

type CheckStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type Report struct {
	StagingWritable   CheckStatus `json:"staging_writable"`
	SymlinkSupported  CheckStatus `json:"symlink_supported"`
	PortRangeBindable CheckStatus `json:"port_range_bindable"`
	// AllRequiredPresent ignores symlink support: the server falls back to
	// its name table when links cannot be created.
	AllRequiredPresent bool `json:"all_required_present"`
}

type Options struct {
	StagingRoot string
	ServeIP     string
	PortMin     int
	PortMax     int
}

func SelfTest(opts Options) Report {
	var report Report

	dir, err := mkdirTemp(opts.StagingRoot, "loopcast-selftest-*")
	if err != nil {
		report.StagingWritable = CheckStatus{Detail: err.Error()}
		report.SymlinkSupported = CheckStatus{Detail: "skipped: staging not writable"}
	} else {
		defer os.RemoveAll(dir)
		report.StagingWritable = checkWritable(dir)
		report.SymlinkSupported = checkSymlink(dir)
	}

	report.PortRangeBindable = checkPortRange(opts.ServeIP, opts.PortMin, opts.PortMax)
	report.AllRequiredPresent = report.StagingWritable.OK && report.PortRangeBindable.OK
	return report
}

func checkWritable(dir string) CheckStatus {
	probe := filepath.Join(dir, "probe")
	if err := os.WriteFile(probe, []byte("loopcast"), 0o600); err != nil {
		return CheckStatus{Detail: err.Error()}
	}
	return CheckStatus{OK: true, Detail: dir}
}

func checkSymlink(dir string) CheckStatus {
	target := filepath.Join(dir, "probe")
	if err := symlink(target, filepath.Join(dir, "probe-link")); err != nil {
		return CheckStatus{Detail: err.Error()}
	}
	return CheckStatus{OK: true}
}

// checkPortRange reports OK if at least one port in the range can be bound.
func checkPortRange(ip string, portMin, portMax int) CheckStatus {
	if portMin < 1 || portMax > 65535 || portMin > portMax {
		return CheckStatus{Detail: fmt.Sprintf("invalid port range %d-%d", portMin, portMax)}
	}

	var lastErr error
	for port := portMin; port <= portMax; port++ {
		ln, err := listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		_ = ln.Close()
		return CheckStatus{OK: true, Detail: "first free port " + strconv.Itoa(port)}
	}
	if lastErr == nil {
		lastErr = errors.New("no port tried")
	}
	return CheckStatus{Detail: fmt.Sprintf("no bindable port in %d-%d: %v", portMin, portMax, lastErr)}
}
