// Package buildinfo holds the version string stamped in at build time via
// ldflags, mirroring the teacher's own version package.
package buildinfo

// Version is set at build time via -ldflags "-X .../buildinfo.Version=...".
var Version = "unknown"
