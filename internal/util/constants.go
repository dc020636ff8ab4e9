// Package util provides common utility functions and constants used across
// cfkit. It has no imports from other internal/* packages so every layer can
// depend on it.
package util

import "time"

const (
	// DefaultRefreshSeconds is the dashboard refresh interval used when
	// config.yaml has no usable ui.refresh_seconds value.
	// Used by: internal/ui/ui.go (tickCmd) and internal/appconfig (Default, Load).
	DefaultRefreshSeconds = 3

	// DefaultURLWait bounds how long a background quick tunnel is watched for
	// its public URL before the CLI gives up and reports it as not yet known.
	DefaultURLWait = 15 * time.Second

	// DefaultAPITimeout is the per-request transport timeout for control-plane
	// calls. Remote calls are never retried.
	DefaultAPITimeout = 30 * time.Second

	// DefaultProtocol is the origin scheme used when none is given.
	DefaultProtocol = "http"
)
