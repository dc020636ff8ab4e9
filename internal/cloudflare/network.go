package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/treykane/cfkit/internal/model"
)

// Route is a private network route served by a tunnel.
type Route struct {
	ID         string `json:"id"`
	Network    string `json:"network"`
	TunnelID   string `json:"tunnel_id"`
	TunnelName string `json:"tunnel_name,omitempty"`
	Comment    string `json:"comment,omitempty"`
	VNetID     string `json:"virtual_network_id,omitempty"`
}

// VirtualNetwork is a Zero Trust virtual network.
type VirtualNetwork struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Comment   string `json:"comment,omitempty"`
	IsDefault bool   `json:"is_default_network"`
}

// Connector is a WARP connector registered with the account.
type Connector struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

type remoteTunnel struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	Connections []json.RawMessage `json:"connections"`
}

func (t remoteTunnel) model() model.RemoteTunnel {
	return model.RemoteTunnel{
		ID:          t.ID,
		Name:        t.Name,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		Connections: len(t.Connections),
	}
}

func (c *Client) accountPath(ctx context.Context, format string, args ...any) (string, error) {
	acct, err := c.AccountID(ctx)
	if err != nil {
		return "", err
	}
	return "/accounts/" + url.PathEscape(acct) + fmt.Sprintf(format, args...), nil
}

// ListTunnels returns every non-deleted tunnel in the account.
func (c *Client) ListTunnels(ctx context.Context) ([]model.RemoteTunnel, error) {
	path, err := c.accountPath(ctx, "/cfd_tunnel?is_deleted=false&per_page=100")
	if err != nil {
		return nil, err
	}
	var raw []remoteTunnel
	if err := c.DoInto(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]model.RemoteTunnel, 0, len(raw))
	for _, t := range raw {
		out = append(out, t.model())
	}
	return out, nil
}

// GetTunnel returns one tunnel by ID.
func (c *Client) GetTunnel(ctx context.Context, tunnelID string) (model.RemoteTunnel, error) {
	path, err := c.accountPath(ctx, "/cfd_tunnel/%s", url.PathEscape(tunnelID))
	if err != nil {
		return model.RemoteTunnel{}, err
	}
	var t remoteTunnel
	if err := c.DoInto(ctx, http.MethodGet, path, nil, &t); err != nil {
		return model.RemoteTunnel{}, err
	}
	return t.model(), nil
}

// GetTunnelConfiguration returns the tunnel's remote configuration document.
func (c *Client) GetTunnelConfiguration(ctx context.Context, tunnelID string) (json.RawMessage, error) {
	path, err := c.accountPath(ctx, "/cfd_tunnel/%s/configurations", url.PathEscape(tunnelID))
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, http.MethodGet, path, nil)
}

// ResolveTunnelRef accepts a tunnel UUID or name and returns the tunnel ID.
func (c *Client) ResolveTunnelRef(ctx context.Context, ref string) (string, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return ref, nil
	}
	id, err := c.GetTunnelIDByName(ctx, ref)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &APIError{StatusCode: http.StatusNotFound, Errors: []APIMessage{{Message: fmt.Sprintf("no tunnel named %q", ref)}}}
	}
	return id, nil
}

// ListRoutes returns the account's private network routes.
func (c *Client) ListRoutes(ctx context.Context) ([]Route, error) {
	path, err := c.accountPath(ctx, "/teamnet/routes")
	if err != nil {
		return nil, err
	}
	var routes []Route
	if err := c.DoInto(ctx, http.MethodGet, path, nil, &routes); err != nil {
		return routes, err
	}
	return routes, nil
}

// AddRoute routes cidr through tunnelID.
func (c *Client) AddRoute(ctx context.Context, cidr, tunnelID, comment string) (Route, error) {
	path, err := c.accountPath(ctx, "/teamnet/routes")
	if err != nil {
		return Route{}, err
	}
	body := map[string]any{"network": cidr, "tunnel_id": tunnelID}
	if comment != "" {
		body["comment"] = comment
	}
	var route Route
	if err := c.DoInto(ctx, http.MethodPost, path, body, &route); err != nil {
		return route, err
	}
	return route, nil
}

// DeleteRoute removes a route by ID.
func (c *Client) DeleteRoute(ctx context.Context, routeID string) error {
	path, err := c.accountPath(ctx, "/teamnet/routes/%s", url.PathEscape(routeID))
	if err != nil {
		return err
	}
	_, err = c.Do(ctx, http.MethodDelete, path, nil)
	return err
}

// ListVirtualNetworks returns the account's virtual networks.
func (c *Client) ListVirtualNetworks(ctx context.Context) ([]VirtualNetwork, error) {
	path, err := c.accountPath(ctx, "/teamnet/virtual_networks")
	if err != nil {
		return nil, err
	}
	var vnets []VirtualNetwork
	if err := c.DoInto(ctx, http.MethodGet, path, nil, &vnets); err != nil {
		return vnets, err
	}
	return vnets, nil
}

// CreateVirtualNetwork creates a virtual network.
func (c *Client) CreateVirtualNetwork(ctx context.Context, name, comment string, isDefault bool) (VirtualNetwork, error) {
	path, err := c.accountPath(ctx, "/teamnet/virtual_networks")
	if err != nil {
		return VirtualNetwork{}, err
	}
	body := map[string]any{"name": name, "is_default_network": isDefault}
	if comment != "" {
		body["comment"] = comment
	}
	var vnet VirtualNetwork
	if err := c.DoInto(ctx, http.MethodPost, path, body, &vnet); err != nil {
		return vnet, err
	}
	return vnet, nil
}

// DeleteVirtualNetwork removes a virtual network by ID.
func (c *Client) DeleteVirtualNetwork(ctx context.Context, vnetID string) error {
	path, err := c.accountPath(ctx, "/teamnet/virtual_networks/%s", url.PathEscape(vnetID))
	if err != nil {
		return err
	}
	_, err = c.Do(ctx, http.MethodDelete, path, nil)
	return err
}

// ListConnectors returns the account's WARP connectors.
func (c *Client) ListConnectors(ctx context.Context) ([]Connector, error) {
	path, err := c.accountPath(ctx, "/warp_connector")
	if err != nil {
		return nil, err
	}
	var conns []Connector
	if err := c.DoInto(ctx, http.MethodGet, path, nil, &conns); err != nil {
		return conns, err
	}
	return conns, nil
}
