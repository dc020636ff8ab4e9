// Package reconcile converges remote Cloudflare resources for a named tunnel.
// Every operation is idempotent: repeating it after success performs no
// mutations, and repeating it after a partial failure resumes where it stopped.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/treykane/cfkit/internal/cloudflare"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/util"
)

// CatchAllService answers requests that match no hostname rule.
const CatchAllService = "http_status:404"

// API is the subset of the Cloudflare client the reconciler drives.
type API interface {
	GetTunnelIDByName(ctx context.Context, name string) (string, error)
	CreateTunnel(ctx context.Context, name, secret string) (string, error)
	GetTunnelToken(ctx context.Context, tunnelID string) (string, error)
	UpdateTunnelConfiguration(ctx context.Context, tunnelID string, ingress []cloudflare.IngressRule) error
	FindZoneIDByHostname(ctx context.Context, hostname string) (string, error)
	GetDNSRecord(ctx context.Context, zoneID, hostname string) (cloudflare.DNSRecord, bool, error)
	CreateDNSCNAME(ctx context.Context, zoneID, hostname, target string) error
	UpdateDNSCNAME(ctx context.Context, zoneID, recordID, hostname, target string) error
}

// DNSConflictError means hostname already holds a record that is not a CNAME,
// so it cannot be routed to a tunnel without removing that record first.
type DNSConflictError struct {
	Record cloudflare.DNSRecord
}

func (e *DNSConflictError) Error() string {
	return fmt.Sprintf("%s already has a %s record (%s)", e.Record.Name, e.Record.Type, e.Record.Content)
}

// Reconciler ensures tunnels, DNS bindings and ingress rules exist.
type Reconciler struct {
	api       API
	newSecret func() (string, error)
}

// New returns a reconciler using security.GenerateSecret for new tunnels.
func New(api API) *Reconciler {
	return &Reconciler{api: api, newSecret: security.GenerateSecret}
}

// EnsureTunnel returns the ID of the non-deleted tunnel called name, creating
// it with a fresh secret when none exists.
func (r *Reconciler) EnsureTunnel(ctx context.Context, name string) (id string, created bool, err error) {
	id, err = r.api.GetTunnelIDByName(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("look up tunnel %q: %w", name, err)
	}
	if id != "" {
		log.Debug().Str("tunnel", name).Str("id", id).Msg("reusing existing tunnel")
		return id, false, nil
	}
	secret, err := r.newSecret()
	if err != nil {
		return "", false, err
	}
	id, err = r.api.CreateTunnel(ctx, name, secret)
	if err != nil {
		return "", false, fmt.Errorf("create tunnel %q: %w", name, err)
	}
	log.Debug().Str("tunnel", name).Str("id", id).Msg("created tunnel")
	return id, true, nil
}

// EnsureDNS converges the CNAME {name}.{domain} onto target.
func (r *Reconciler) EnsureDNS(ctx context.Context, name, domain, target string) (model.DNSOutcome, error) {
	hostname := name + "." + strings.TrimPrefix(domain, ".")
	zoneID, err := r.api.FindZoneIDByHostname(ctx, hostname)
	if err != nil {
		return "", fmt.Errorf("resolve zone for %s: %w", hostname, err)
	}
	rec, ok, err := r.api.GetDNSRecord(ctx, zoneID, hostname)
	if err != nil {
		return "", err
	}
	if ok && !rec.IsCNAME() {
		return "", &DNSConflictError{Record: rec}
	}
	if !ok {
		if err := r.api.CreateDNSCNAME(ctx, zoneID, hostname, target); err != nil {
			return "", fmt.Errorf("create DNS record %s: %w", hostname, err)
		}
		return model.DNSCreated, nil
	}
	if sameTarget(rec.Content, target) {
		return model.DNSUnchanged, nil
	}
	if err := r.api.UpdateDNSCNAME(ctx, zoneID, rec.ID, hostname, target); err != nil {
		return "", fmt.Errorf("update DNS record %s: %w", hostname, err)
	}
	return model.DNSUpdated, nil
}

func sameTarget(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

// IngressRules returns the rule set routing hostname to the local service,
// followed by the catch-all rule.
func IngressRules(hostname string, port int, protocol string) []cloudflare.IngressRule {
	return []cloudflare.IngressRule{
		{Hostname: hostname, Service: util.ServiceURL(protocol, port)},
		{Service: CatchAllService},
	}
}

// EnsureIngress replaces the tunnel's ingress configuration.
func (r *Reconciler) EnsureIngress(ctx context.Context, tunnelID, hostname string, port int, protocol string) error {
	if err := r.api.UpdateTunnelConfiguration(ctx, tunnelID, IngressRules(hostname, port, protocol)); err != nil {
		return fmt.Errorf("configure ingress for %s: %w", hostname, err)
	}
	return nil
}

// FetchCredential returns the connector token for a tunnel.
func (r *Reconciler) FetchCredential(ctx context.Context, tunnelID string) (string, error) {
	token, err := r.api.GetTunnelToken(ctx, tunnelID)
	if err != nil {
		return "", fmt.Errorf("fetch token for tunnel %s: %w", tunnelID, err)
	}
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("empty token for tunnel %s", tunnelID)
	}
	return token, nil
}
