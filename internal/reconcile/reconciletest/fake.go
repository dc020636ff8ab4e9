// Package reconciletest provides an in-memory Cloudflare control plane for
// tests of code built on reconcile.API.
package reconciletest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/treykane/cfkit/internal/cloudflare"
)

// Calls counts every API operation by name.
type Calls map[string]int

// Total returns the number of recorded calls.
func (c Calls) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Mutations returns the number of create/update calls.
func (c Calls) Mutations() int {
	return c["CreateTunnel"] + c["CreateDNSCNAME"] + c["UpdateDNSCNAME"] + c["UpdateTunnelConfiguration"]
}

// FakeAPI implements reconcile.API over in-memory maps.
type FakeAPI struct {
	mu sync.Mutex

	// Zones maps zone name to zone ID.
	Zones map[string]string
	// Tunnels maps tunnel name to ID.
	Tunnels map[string]string
	// Records maps hostname to CNAME record.
	Records map[string]cloudflare.DNSRecord
	// Ingress holds the last configuration pushed per tunnel ID.
	Ingress map[string][]cloudflare.IngressRule
	// Secrets holds the secret each tunnel was created with.
	Secrets map[string]string

	// Fail makes the named operation return an error.
	Fail map[string]error

	Calls Calls
	seq   int
}

// New returns a fake that owns the given zones.
func New(zones ...string) *FakeAPI {
	f := &FakeAPI{
		Zones:   map[string]string{},
		Tunnels: map[string]string{},
		Records: map[string]cloudflare.DNSRecord{},
		Ingress: map[string][]cloudflare.IngressRule{},
		Secrets: map[string]string{},
		Fail:    map[string]error{},
		Calls:   Calls{},
	}
	for i, z := range zones {
		f.Zones[z] = fmt.Sprintf("zone-%d", i+1)
	}
	return f
}

// Token is the connector token the fake issues for a tunnel ID.
func Token(tunnelID string) string {
	return "token-for-" + tunnelID
}

// record counts op and returns its injected failure. Callers hold f.mu.
func (f *FakeAPI) record(op string) error {
	f.Calls[op]++
	return f.Fail[op]
}

func (f *FakeAPI) GetTunnelIDByName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetTunnelIDByName"); err != nil {
		return "", err
	}
	return f.Tunnels[name], nil
}

func (f *FakeAPI) CreateTunnel(_ context.Context, name, secret string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateTunnel"); err != nil {
		return "", err
	}
	if _, ok := f.Tunnels[name]; ok {
		return "", &cloudflare.APIError{StatusCode: 409}
	}
	f.seq++
	id := fmt.Sprintf("tunnel-%d", f.seq)
	f.Tunnels[name] = id
	f.Secrets[id] = secret
	return id, nil
}

func (f *FakeAPI) GetTunnelToken(_ context.Context, tunnelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetTunnelToken"); err != nil {
		return "", err
	}
	return Token(tunnelID), nil
}

func (f *FakeAPI) UpdateTunnelConfiguration(_ context.Context, tunnelID string, ingress []cloudflare.IngressRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateTunnelConfiguration"); err != nil {
		return err
	}
	f.Ingress[tunnelID] = append([]cloudflare.IngressRule(nil), ingress...)
	return nil
}

func (f *FakeAPI) FindZoneIDByHostname(_ context.Context, hostname string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindZoneIDByHostname"); err != nil {
		return "", err
	}
	parts := strings.Split(hostname, ".")
	for i := range len(parts) - 1 {
		if id, ok := f.Zones[strings.Join(parts[i:], ".")]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w for hostname %q", cloudflare.ErrZoneNotFound, hostname)
}

func (f *FakeAPI) GetDNSRecord(_ context.Context, _ string, hostname string) (cloudflare.DNSRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetDNSRecord"); err != nil {
		return cloudflare.DNSRecord{}, false, err
	}
	rec, ok := f.Records[hostname]
	return rec, ok, nil
}

func (f *FakeAPI) CreateDNSCNAME(_ context.Context, _ string, hostname, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateDNSCNAME"); err != nil {
		return err
	}
	f.seq++
	f.Records[hostname] = cloudflare.DNSRecord{ID: fmt.Sprintf("rec-%d", f.seq), Name: hostname, Type: "CNAME", Content: target}
	return nil
}

func (f *FakeAPI) UpdateDNSCNAME(_ context.Context, _ string, recordID, hostname, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateDNSCNAME"); err != nil {
		return err
	}
	f.Records[hostname] = cloudflare.DNSRecord{ID: recordID, Name: hostname, Type: "CNAME", Content: target}
	return nil
}
