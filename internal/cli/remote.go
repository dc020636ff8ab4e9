package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/treykane/cfkit/internal/cloudflare"
	"github.com/treykane/cfkit/internal/events"
	"github.com/treykane/cfkit/internal/history"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/store"
	"github.com/treykane/cfkit/internal/util"
)

func newRemoteCmds(a *app) []*cobra.Command {
	return []*cobra.Command{
		newCreateCmd(a),
		newDeleteCmd(a),
		newInfoCmd(a),
		newTokenCmd(a),
		newTunnelConfigCmd(a),
		newRoutesCmd(a),
		newAddRouteCmd(a),
		newDeleteRouteCmd(a),
		newVNetsCmd(a),
		newCreateVNetCmd(a),
		newDeleteVNetCmd(a),
		newConnectorsCmd(a),
	}
}

// remoteErr classifies a failed control-plane call for the exit message.
func remoteErr(step string, err error) error {
	if err == nil || security.KindOf(err) != security.KindInternal {
		return err
	}
	return security.RemoteError(step, err)
}

// resolve maps a tunnel UUID or name to its ID.
func (a *app) resolve(ctx context.Context, c *cloudflare.Client, ref string) (string, error) {
	id, err := c.ResolveTunnelRef(ctx, ref)
	if cloudflare.IsNotFound(err) {
		return "", security.UserError(fmt.Sprintf("no tunnel named %q", ref), "list tunnels with `cfkit tunnel list`")
	}
	return id, remoteErr("resolve tunnel "+ref, err)
}

type localTunnel struct {
	Name      string    `json:"name"`
	RemoteID  string    `json:"tunnel_id"`
	Hostname  string    `json:"hostname,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitzero"`
}

type listOutput struct {
	Remote   []model.RemoteTunnel `json:"remote,omitempty"`
	Local    []localTunnel        `json:"local"`
	Warnings []string             `json:"warnings,omitempty"`
}

func newListCmd(a *app) *cobra.Command {
	var localOnly, recent bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List remote tunnels and tunnels saved on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out listOutput
			if !localOnly {
				if !a.creds.HasAdmin() {
					return security.UserError("listing remote tunnels needs Cloudflare API credentials", "pass --local to list saved tunnels only")
				}
				c, err := a.client()
				if err != nil {
					return err
				}
				out.Remote, err = c.ListTunnels(cmd.Context())
				if err != nil {
					return remoteErr("list tunnels", err)
				}
			}

			st, err := store.NewDefault()
			if err != nil {
				return err
			}
			saved, err := st.List()
			if err != nil {
				return err
			}
			out.Warnings = saved.Warnings
			lastUsed, err := lastUsedTimes()
			if err != nil {
				out.Warnings = append(out.Warnings, "history unavailable: "+err.Error())
			}
			tunnels := saved.Tunnels
			if recent {
				tunnels = history.SortTunnelsRecent(tunnels, lastUsed)
			}
			out.Local = make([]localTunnel, 0, len(tunnels))
			for _, t := range tunnels {
				lt := localTunnel{Name: t.Name, RemoteID: t.RemoteID, Hostname: t.FQDN(), CreatedAt: t.CreatedAt}
				if ts, ok := lastUsed[t.Name]; ok {
					lt.LastUsed = time.Unix(ts, 0).UTC()
				}
				out.Local = append(out.Local, lt)
			}

			a.warnAll(out.Warnings)
			return a.out.Result(out, func() {
				if !localOnly {
					rows := make([][]string, 0, len(out.Remote))
					for _, t := range out.Remote {
						rows = append(rows, []string{t.ID, t.Name, util.EmptyDash(t.Status), strconv.Itoa(t.Connections), t.CreatedAt.Format(time.DateOnly)})
					}
					a.out.Table([]string{"ID", "NAME", "STATUS", "CONNS", "CREATED"}, rows, "no remote tunnels")
				}
				rows := make([][]string, 0, len(out.Local))
				for _, t := range out.Local {
					last := "-"
					if !t.LastUsed.IsZero() {
						last = t.LastUsed.Local().Format(time.DateTime)
					}
					rows = append(rows, []string{t.Name, util.ShortID(t.RemoteID), util.EmptyDash(t.Hostname), last})
				}
				a.out.Table([]string{"SAVED", "TUNNEL", "HOSTNAME", "LAST USED"}, rows, "no saved tunnels")
			})
		},
	}
	cmd.Flags().BoolVar(&localOnly, "local", false, "only list tunnels saved on this machine")
	cmd.Flags().BoolVar(&recent, "recent", false, "sort saved tunnels by last start")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a remotely managed tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := util.ValidateName(name); err != nil {
				return security.UserError(err.Error(), "")
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			secret, err := security.GenerateSecret()
			if err != nil {
				return err
			}
			id, err := c.CreateTunnel(cmd.Context(), name, secret)
			if cloudflare.IsConflict(err) {
				return security.ConflictError(fmt.Sprintf("tunnel %s already exists", name), err)
			}
			if err != nil {
				return remoteErr("create tunnel "+name, err)
			}
			return a.out.Result(map[string]string{"tunnel_id": id, "name": name}, func() {
				a.out.Success("created tunnel %s (%s)", name, id)
				a.out.Hint("fetch its connector token with: cfkit tunnel token %s", name)
			})
		},
	}
}

type deleteOutput struct {
	Deleted    string   `json:"deleted"`
	Forgotten  []string `json:"forgotten,omitempty"`
	DNSRemoved []string `json:"dns_removed,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a remote tunnel, its DNS records and any local record of it",
		Long: `Delete removes the remote tunnel. Every tunnel saved on this machine with that
ID is then forgotten, and its hostname's CNAME is removed when it still points
at the deleted tunnel.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolve(ctx, c, args[0])
			if err != nil {
				return err
			}
			if err := c.DeleteTunnel(ctx, id); err != nil {
				return remoteErr("delete tunnel "+args[0], err)
			}

			out := deleteOutput{Deleted: id}
			st, err := store.NewDefault()
			if err != nil {
				return err
			}
			hist, err := history.NewDefault()
			if err != nil {
				return err
			}
			saved, err := st.List()
			if err != nil {
				out.Warnings = append(out.Warnings, "saved tunnels unreadable: "+err.Error())
			}
			for _, t := range saved.Tunnels {
				if t.RemoteID != id {
					continue
				}
				if host := t.FQDN(); host != "" {
					removed, err := removeCNAME(ctx, c, host, id)
					switch {
					case err != nil:
						out.Warnings = append(out.Warnings, fmt.Sprintf("DNS record %s was not removed: %v", host, err))
					case removed:
						out.DNSRemoved = append(out.DNSRemoved, host)
					}
				}
				if err := st.Delete(t.Name); err != nil {
					out.Warnings = append(out.Warnings, fmt.Sprintf("saved record %s was not removed: %v", t.Name, err))
					continue
				}
				if err := hist.Forget(t.Name); err != nil {
					log.Debug().Err(err).Str("name", t.Name).Msg("history not updated")
				}
				out.Forgotten = append(out.Forgotten, t.Name)
			}
			a.journal(events.Event{TunnelID: id, EventType: events.TypeDeleted, Message: args[0]})

			a.warnAll(out.Warnings)
			return a.out.Result(out, func() {
				a.out.Success("deleted tunnel %s", id)
				for _, host := range out.DNSRemoved {
					a.out.Info("dns: removed %s", host)
				}
				for _, name := range out.Forgotten {
					a.out.Info("forgot saved tunnel %s", name)
				}
			})
		},
	}
}

// removeCNAME deletes hostname's CNAME when it targets the tunnel.
func removeCNAME(ctx context.Context, c *cloudflare.Client, hostname, tunnelID string) (bool, error) {
	zoneID, err := c.FindZoneIDByHostname(ctx, hostname)
	if err != nil {
		return false, err
	}
	return c.DeleteDNSCNAME(ctx, zoneID, hostname, cloudflare.TunnelTarget(tunnelID))
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id|name>",
		Short: "Show a remote tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolve(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			t, err := c.GetTunnel(cmd.Context(), id)
			if err != nil {
				return remoteErr("get tunnel "+args[0], err)
			}
			return a.out.Result(t, func() {
				a.out.Table([]string{"FIELD", "VALUE"}, [][]string{
					{"id", t.ID},
					{"name", t.Name},
					{"status", util.EmptyDash(t.Status)},
					{"connections", strconv.Itoa(t.Connections)},
					{"created", t.CreatedAt.Format(time.RFC3339)},
				}, "")
			})
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token <id|name>",
		Short: "Print a tunnel's connector token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolve(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			token, err := c.GetTunnelToken(cmd.Context(), id)
			if err != nil {
				return remoteErr("fetch tunnel token", err)
			}
			return a.out.Result(map[string]string{"token": token}, func() {
				fmt.Fprintln(a.out.Out, token)
			})
		},
	}
}

func newTunnelConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config <id|name>",
		Short: "Print a tunnel's ingress configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolve(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			raw, err := c.GetTunnelConfiguration(cmd.Context(), id)
			if err != nil {
				return remoteErr("get tunnel configuration", err)
			}
			return printRaw(a, raw)
		},
	}
}

func printRaw(a *app, raw json.RawMessage) error {
	var v any
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return writeJSON(a, v)
}

func newRoutesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List private network routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			routes, err := c.ListRoutes(cmd.Context())
			if err != nil {
				return remoteErr("list routes", err)
			}
			return a.out.Result(routes, func() {
				rows := make([][]string, 0, len(routes))
				for _, r := range routes {
					rows = append(rows, []string{r.ID, r.Network, util.DefaultString(r.TunnelName, util.ShortID(r.TunnelID)), util.EmptyDash(r.Comment)})
				}
				a.out.Table([]string{"ID", "NETWORK", "TUNNEL", "COMMENT"}, rows, "no routes")
			})
		},
	}
}

func newAddRouteCmd(a *app) *cobra.Command {
	var tunnelRef, comment string
	cmd := &cobra.Command{
		Use:   "add-route <cidr>",
		Short: "Route a private network through a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolve(cmd.Context(), c, tunnelRef)
			if err != nil {
				return err
			}
			route, err := c.AddRoute(cmd.Context(), args[0], id, comment)
			if err != nil {
				return remoteErr("add route "+args[0], err)
			}
			return a.out.Result(route, func() {
				a.out.Success("routed %s through %s (%s)", route.Network, tunnelRef, route.ID)
			})
		},
	}
	cmd.Flags().StringVar(&tunnelRef, "tunnel", "", "tunnel ID or name")
	cmd.Flags().StringVar(&comment, "comment", "", "route comment")
	cobra.CheckErr(cmd.MarkFlagRequired("tunnel"))
	return cmd
}

func newDeleteRouteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-route <id>",
		Short: "Delete a private network route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.DeleteRoute(cmd.Context(), args[0]); err != nil {
				return remoteErr("delete route "+args[0], err)
			}
			return a.out.Result(map[string]string{"deleted": args[0]}, func() {
				a.out.Success("deleted route %s", args[0])
			})
		},
	}
}

func newVNetsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "vnets",
		Short: "List virtual networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			vnets, err := c.ListVirtualNetworks(cmd.Context())
			if err != nil {
				return remoteErr("list virtual networks", err)
			}
			return a.out.Result(vnets, func() {
				rows := make([][]string, 0, len(vnets))
				for _, v := range vnets {
					def := ""
					if v.IsDefault {
						def = "yes"
					}
					rows = append(rows, []string{v.ID, v.Name, util.EmptyDash(def), util.EmptyDash(v.Comment)})
				}
				a.out.Table([]string{"ID", "NAME", "DEFAULT", "COMMENT"}, rows, "no virtual networks")
			})
		},
	}
}

func newCreateVNetCmd(a *app) *cobra.Command {
	var comment string
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "create-vnet <name>",
		Short: "Create a virtual network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			v, err := c.CreateVirtualNetwork(cmd.Context(), args[0], comment, isDefault)
			if err != nil {
				return remoteErr("create virtual network "+args[0], err)
			}
			return a.out.Result(v, func() {
				a.out.Success("created virtual network %s (%s)", v.Name, v.ID)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "virtual network comment")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make it the account default")
	return cmd
}

func newDeleteVNetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-vnet <id>",
		Short: "Delete a virtual network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.DeleteVirtualNetwork(cmd.Context(), args[0]); err != nil {
				return remoteErr("delete virtual network "+args[0], err)
			}
			return a.out.Result(map[string]string{"deleted": args[0]}, func() {
				a.out.Success("deleted virtual network %s", args[0])
			})
		},
	}
}

func newConnectorsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "List WARP connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			conns, err := c.ListConnectors(cmd.Context())
			if err != nil {
				return remoteErr("list connectors", err)
			}
			return a.out.Result(conns, func() {
				rows := make([][]string, 0, len(conns))
				for _, cn := range conns {
					rows = append(rows, []string{cn.ID, cn.Name, util.EmptyDash(cn.Status)})
				}
				a.out.Table([]string{"ID", "NAME", "STATUS"}, rows, "no connectors")
			})
		},
	}
}
