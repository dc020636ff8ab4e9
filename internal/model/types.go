package model

import (
	"strings"
	"time"
)

// TunnelIdentity is the locally persisted record of a named tunnel. It is
// written once after provisioning and overwritten, never patched.
type TunnelIdentity struct {
	Name       string    `json:"name"`
	RemoteID   string    `json:"remote_id"`
	Credential string    `json:"credential"`
	Hostname   string    `json:"hostname,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FQDN returns the public hostname bound to the tunnel, or "" when the
// identity was stored without DNS routing.
func (t TunnelIdentity) FQDN() string {
	if t.Hostname != "" {
		return t.Hostname
	}
	if t.Domain == "" {
		return ""
	}
	return t.Name + "." + strings.TrimPrefix(t.Domain, ".")
}

// ProcessState is the lifecycle state of a registry slot.
type ProcessState string

const (
	ProcessRunning    ProcessState = "running"
	ProcessStale      ProcessState = "stale"
	ProcessNotRunning ProcessState = "not_running"
)

// ProcessStatus is a snapshot of one registry slot.
type ProcessStatus struct {
	Slot    string       `json:"slot"`
	State   ProcessState `json:"state"`
	PID     int          `json:"pid,omitempty"`
	URL     string       `json:"url,omitempty"`
	LogPath string       `json:"log_path,omitempty"`
}

// Running reports whether the slot currently has a live client process.
func (s ProcessStatus) Running() bool {
	return s.State == ProcessRunning
}

// Mode is the provisioning mode chosen from the available credentials.
type Mode string

const (
	ModeUser  Mode = "user"
	ModeAdmin Mode = "admin"
	ModeError Mode = "error"
)

// DNSOutcome reports how a DNS binding converged.
type DNSOutcome string

const (
	DNSCreated   DNSOutcome = "created"
	DNSUpdated   DNSOutcome = "updated"
	DNSUnchanged DNSOutcome = "unchanged"
)

// RemoteTunnel is a tunnel as reported by the control plane.
type RemoteTunnel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	Connections int       `json:"connections"`
}
