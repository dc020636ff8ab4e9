// Package cloudflare talks to the Cloudflare v4 API. Tunnel, zone and DNS
// operations go through cloudflare-go; endpoints without typed helpers
// (routes, virtual networks, WARP connectors, raw requests) go through Do.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	cloudflare "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/dns"
	"github.com/cloudflare/cloudflare-go/v6/option"
	"github.com/cloudflare/cloudflare-go/v6/zero_trust"
	"github.com/cloudflare/cloudflare-go/v6/zones"
	"github.com/rs/zerolog/log"

	"github.com/treykane/cfkit/internal/util"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// ErrZoneNotFound is returned when no zone in the account owns a domain.
var ErrZoneNotFound = errors.New("zone not found")

// ErrNoCredentials is returned when neither an API token nor key+email is set.
var ErrNoCredentials = errors.New("no Cloudflare API credentials")

// ClientConfig holds the credentials needed to interact with the Cloudflare API.
type ClientConfig struct {
	APIToken string
	APIKey   string
	APIEmail string
	// AccountID is resolved from the first visible zone when empty.
	AccountID string
	BaseURL   string
	Timeout   time.Duration
}

// IngressRule represents a Cloudflare tunnel ingress rule mapping a hostname to a service.
type IngressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

// DNSRecord is the subset of a DNS record the reconciler compares.
type DNSRecord struct {
	ID      string
	Name    string
	Type    string
	Content string
}

// IsCNAME reports whether the record is a CNAME.
func (r DNSRecord) IsCNAME() bool {
	return strings.EqualFold(r.Type, string(dns.CNAMERecordTypeCNAME))
}

// TunnelTarget returns the CNAME target that routes a hostname to a tunnel.
func TunnelTarget(tunnelID string) string {
	return tunnelID + ".cfargotunnel.com"
}

// IsConflict reports whether the error is a 409 Conflict from the Cloudflare API.
func IsConflict(err error) bool {
	return statusCode(err) == http.StatusConflict
}

// IsNotFound reports whether the error is a 404 from the Cloudflare API.
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func statusCode(err error) int {
	var sdkErr *cloudflare.Error
	if errors.As(err, &sdkErr) {
		return sdkErr.StatusCode
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client is a Cloudflare API client bound to one account.
type Client struct {
	sdk     *cloudflare.Client
	http    *http.Client
	cfg     ClientConfig
	baseURL string

	acctOnce sync.Mutex
	account  string
}

// NewClient creates a client. It performs no network calls.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIToken == "" && (cfg.APIKey == "" || cfg.APIEmail == "") {
		return nil, ErrNoCredentials
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = util.DefaultAPITimeout
	}
	base := strings.TrimRight(util.DefaultString(cfg.BaseURL, DefaultBaseURL), "/")

	opts := []option.RequestOption{
		option.WithBaseURL(base + "/"),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.APIToken != "" {
		opts = append(opts, option.WithAPIToken(cfg.APIToken))
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey), option.WithAPIEmail(cfg.APIEmail))
	}

	return &Client{
		sdk:     cloudflare.NewClient(opts...),
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		baseURL: base,
		account: cfg.AccountID,
	}, nil
}

// AccountID returns the configured account, or the account owning the first
// zone visible to the credentials.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	c.acctOnce.Lock()
	defer c.acctOnce.Unlock()
	if c.account != "" {
		return c.account, nil
	}
	var zonesResult []struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	if err := c.DoInto(ctx, http.MethodGet, "/zones?per_page=1", nil, &zonesResult); err != nil {
		return "", fmt.Errorf("resolve account id: %w", err)
	}
	if len(zonesResult) == 0 || zonesResult[0].Account.ID == "" {
		return "", errors.New("could not determine account id: set CF_ACCOUNT_ID")
	}
	c.account = zonesResult[0].Account.ID
	log.Debug().Str("account", c.account).Msg("resolved account id from zones")
	return c.account, nil
}

// CreateTunnel creates a remotely managed tunnel with the given secret.
func (c *Client) CreateTunnel(ctx context.Context, name, secret string) (string, error) {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return "", err
	}
	tunnel, err := c.sdk.ZeroTrust.Tunnels.Cloudflared.New(ctx, zero_trust.TunnelCloudflaredNewParams{
		AccountID:    cloudflare.String(acct),
		Name:         cloudflare.String(name),
		ConfigSrc:    cloudflare.F(zero_trust.TunnelCloudflaredNewParamsConfigSrcCloudflare),
		TunnelSecret: cloudflare.F(secret),
	})
	if err != nil {
		return "", err
	}
	return tunnel.ID, nil
}

// GetTunnelIDByName returns the ID of the non-deleted tunnel called name, or
// "" when there is none.
func (c *Client) GetTunnelIDByName(ctx context.Context, name string) (string, error) {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return "", err
	}
	pager := c.sdk.ZeroTrust.Tunnels.Cloudflared.ListAutoPaging(ctx, zero_trust.TunnelCloudflaredListParams{
		AccountID: cloudflare.String(acct),
		Name:      cloudflare.String(name),
		IsDeleted: cloudflare.Bool(false),
	})
	for pager.Next() {
		tunnel := pager.Current()
		if tunnel.Name == name {
			return tunnel.ID, nil
		}
	}
	if err := pager.Err(); err != nil {
		return "", fmt.Errorf("listing tunnels by name %q: %w", name, err)
	}
	return "", nil
}

// DeleteTunnel deletes a tunnel. A tunnel that is already gone is not an error.
func (c *Client) DeleteTunnel(ctx context.Context, tunnelID string) error {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return err
	}
	_, err = c.sdk.ZeroTrust.Tunnels.Cloudflared.Delete(ctx, tunnelID, zero_trust.TunnelCloudflaredDeleteParams{
		AccountID: cloudflare.String(acct),
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// GetTunnelToken fetches the connector token for a tunnel.
func (c *Client) GetTunnelToken(ctx context.Context, tunnelID string) (string, error) {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return "", err
	}
	token, err := c.sdk.ZeroTrust.Tunnels.Cloudflared.Token.Get(ctx, tunnelID, zero_trust.TunnelCloudflaredTokenGetParams{
		AccountID: cloudflare.String(acct),
	})
	if err != nil {
		return "", err
	}
	return *token, nil
}

// UpdateTunnelConfiguration replaces the tunnel's ingress rules.
func (c *Client) UpdateTunnelConfiguration(ctx context.Context, tunnelID string, ingress []IngressRule) error {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return err
	}
	sdkIngress := make([]zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress, 0, len(ingress))
	for _, r := range ingress {
		entry := zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfigIngress{
			Service: cloudflare.F(r.Service),
		}
		if r.Hostname != "" {
			entry.Hostname = cloudflare.F(r.Hostname)
		}
		if r.Path != "" {
			entry.Path = cloudflare.F(r.Path)
		}
		sdkIngress = append(sdkIngress, entry)
	}
	_, err = c.sdk.ZeroTrust.Tunnels.Cloudflared.Configurations.Update(ctx, tunnelID, zero_trust.TunnelCloudflaredConfigurationUpdateParams{
		AccountID: cloudflare.String(acct),
		Config: cloudflare.F(zero_trust.TunnelCloudflaredConfigurationUpdateParamsConfig{
			Ingress: cloudflare.F(sdkIngress),
		}),
	})
	return err
}

// FindZoneIDByHostname resolves the zone owning hostname by stripping labels
// from the left until a zone name matches.
func (c *Client) FindZoneIDByHostname(ctx context.Context, hostname string) (string, error) {
	parts := strings.Split(strings.TrimSuffix(hostname, "."), ".")
	for i := range len(parts) - 1 {
		candidate := strings.Join(parts[i:], ".")
		pager := c.sdk.Zones.ListAutoPaging(ctx, zones.ZoneListParams{
			Name: cloudflare.F(candidate),
		})
		for pager.Next() {
			zone := pager.Current()
			if zone.Name == candidate {
				return zone.ID, nil
			}
		}
		if err := pager.Err(); err != nil {
			return "", fmt.Errorf("listing zones for %q: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("%w for hostname %q", ErrZoneNotFound, hostname)
}

// GetDNSRecord looks up the record named hostname regardless of type. A CNAME
// wins when several records share the name.
func (c *Client) GetDNSRecord(ctx context.Context, zoneID, hostname string) (DNSRecord, bool, error) {
	pager := c.sdk.DNS.Records.ListAutoPaging(ctx, dns.RecordListParams{
		ZoneID: cloudflare.F(zoneID),
		Name:   cloudflare.F(dns.RecordListParamsName{Exact: cloudflare.F(hostname)}),
	})
	var found DNSRecord
	ok := false
	for pager.Next() {
		record := pager.Current()
		if !strings.EqualFold(record.Name, hostname) {
			continue
		}
		rec := DNSRecord{ID: record.ID, Name: record.Name, Type: string(record.Type), Content: record.Content}
		if rec.IsCNAME() {
			return rec, true, nil
		}
		if !ok {
			found, ok = rec, true
		}
	}
	if err := pager.Err(); err != nil {
		return DNSRecord{}, false, fmt.Errorf("listing DNS records for %q: %w", hostname, err)
	}
	return found, ok, nil
}

func cnameBody(hostname, target string) dns.CNAMERecordParam {
	return dns.CNAMERecordParam{
		Name:    cloudflare.F(hostname),
		Content: cloudflare.F(target),
		Type:    cloudflare.F(dns.CNAMERecordTypeCNAME),
		TTL:     cloudflare.F(dns.TTL1),
		Proxied: cloudflare.F(true),
	}
}

// CreateDNSCNAME creates a proxied CNAME record.
func (c *Client) CreateDNSCNAME(ctx context.Context, zoneID, hostname, target string) error {
	_, err := c.sdk.DNS.Records.New(ctx, dns.RecordNewParams{
		ZoneID: cloudflare.F(zoneID),
		Body:   cnameBody(hostname, target),
	})
	return err
}

// UpdateDNSCNAME points an existing record at target.
func (c *Client) UpdateDNSCNAME(ctx context.Context, zoneID, recordID, hostname, target string) error {
	_, err := c.sdk.DNS.Records.Update(ctx, recordID, dns.RecordUpdateParams{
		ZoneID: cloudflare.F(zoneID),
		Body:   cnameBody(hostname, target),
	})
	return err
}

// DeleteDNSCNAME removes the CNAME named hostname when it points at target.
// Records of other types or aimed elsewhere are left alone and reported as
// not deleted.
func (c *Client) DeleteDNSCNAME(ctx context.Context, zoneID, hostname, target string) (bool, error) {
	rec, ok, err := c.GetDNSRecord(ctx, zoneID, hostname)
	if err != nil || !ok {
		return false, err
	}
	if !rec.IsCNAME() || !strings.EqualFold(strings.TrimSuffix(rec.Content, "."), strings.TrimSuffix(target, ".")) {
		return false, nil
	}
	_, err = c.sdk.DNS.Records.Delete(ctx, rec.ID, dns.RecordDeleteParams{
		ZoneID: cloudflare.F(zoneID),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
