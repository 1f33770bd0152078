// Package buildinfo carries values stamped in at link time.
package buildinfo

// Version is overridden with -ldflags "-X go2tv.app/loopcast/internal/buildinfo.Version=...".
var Version = "dev"
