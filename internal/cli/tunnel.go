package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/cloudflared"
	"github.com/treykane/cfkit/internal/events"
	"github.com/treykane/cfkit/internal/history"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/registry"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/tunnel"
	"github.com/treykane/cfkit/internal/util"
)

func newTunnelCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "tunnel", Short: "Run and manage Cloudflare tunnels"}
	root.AddCommand(
		newStartCmd(a),
		newQuickCmd(a),
		newRunCmd(a),
		newStopCmd(a),
		newStatusCmd(a),
		newLogsCmd(a),
		newEventsCmd(a),
		newListCmd(a),
		newForgetCmd(a),
		newInstallCmd(a),
	)
	root.AddCommand(newRemoteCmds(a)...)
	return root
}

func newStartCmd(a *app) *cobra.Command {
	var req tunnel.StartRequest
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a tunnel from a token, or provision one for --hostname",
		Long: `Start runs cloudflared for a named tunnel.

With a connector token (--token or TUNNEL_TOKEN) the tunnel is started as is and
no Cloudflare API call is made. Otherwise API credentials are required and the
tunnel, its DNS record and its ingress rules are created or repaired first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Name = args[0]
			}
			if req.Token == "" {
				req.Token = a.creds.TunnelToken
			}
			if req.Protocol == "" {
				req.Protocol = a.cfg.Tunnel.Protocol
			}
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			res, err := mgr.Start(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printResult(res, req.Background)
		},
	}
	cmd.Flags().StringVar(&req.Hostname, "hostname", "", "public hostname, e.g. support.example.com")
	cmd.Flags().IntVarP(&req.Port, "port", "p", 0, "local service port")
	cmd.Flags().StringVar(&req.Protocol, "protocol", "", "local service protocol: "+strings.Join(util.Protocols, ", "))
	cmd.Flags().StringVar(&req.Token, "token", "", "connector token (defaults to TUNNEL_TOKEN)")
	cmd.Flags().BoolVarP(&req.Background, "background", "b", false, "run in the background and return once started")
	return cmd
}

func newQuickCmd(a *app) *cobra.Command {
	var req tunnel.QuickRequest
	var hybrid bool
	cmd := &cobra.Command{
		Use:   "quick [name]",
		Short: "Expose a local port through a quick tunnel",
		Long: `Quick without a name starts an account-less trycloudflare.com tunnel.

With a name, a tunnel saved by an earlier run is reconnected without any API
call; an unknown name is provisioned once under --domain and saved. --hybrid
falls back to a trycloudflare.com tunnel when provisioning fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Name = args[0]
			}
			if req.Protocol == "" {
				req.Protocol = a.cfg.Tunnel.Protocol
			}
			if hybrid && req.Name == "" {
				return security.UserError("--hybrid needs a tunnel name", "run `cfkit tunnel quick NAME --hybrid --domain example.com`")
			}
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			var res tunnel.Result
			if hybrid {
				res, err = mgr.Hybrid(cmd.Context(), req)
			} else {
				res, err = mgr.Quick(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			return a.printResult(res, req.Background)
		},
	}
	cmd.Flags().IntVarP(&req.Port, "port", "p", 0, "local service port")
	cmd.Flags().StringVar(&req.Protocol, "protocol", "", "local service protocol: "+strings.Join(util.Protocols, ", "))
	cmd.Flags().StringVar(&req.Domain, "domain", "", "zone for a named tunnel that is not saved yet")
	cmd.Flags().BoolVar(&hybrid, "hybrid", false, "fall back to a random quick tunnel when provisioning fails")
	cmd.Flags().BoolVarP(&req.Background, "background", "b", false, "run in the background and return once started")
	cobra.CheckErr(cmd.MarkFlagRequired("port"))
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "run <id|name>",
		Short: "Run an existing remote tunnel",
		Long: `Run looks the tunnel up by UUID or name, fetches its connector token and
starts cloudflared with it. Its DNS records and ingress rules are left as they
are. The tunnel runs under its own name, or its ID when the name is not a valid
local tunnel name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			id, err := a.resolve(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			name := args[0]
			if name == id {
				t, err := c.GetTunnel(cmd.Context(), id)
				if err != nil {
					return remoteErr("get tunnel "+id, err)
				}
				name = t.Name
			}
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			res, err := mgr.Run(cmd.Context(), tunnel.RunRequest{TunnelID: id, Name: name, Background: background})
			if err != nil {
				return err
			}
			return a.printResult(res, background)
		},
	}
	cmd.Flags().BoolVarP(&background, "background", "b", false, "run in the background and return once started")
	return cmd
}

func (a *app) printResult(res tunnel.Result, background bool) error {
	a.warnAll(res.Warnings)
	return a.out.Result(res, func() {
		if !background {
			a.out.Success("tunnel %s exited", registry.SlotLabel(res.Slot))
			return
		}
		a.out.Success("tunnel %s started (%s mode, pid %d)", registry.SlotLabel(res.Slot), res.Mode, res.PID)
		if !a.handedOff {
			if res.TunnelID != "" {
				a.out.Info("tunnel id: %s", res.TunnelID)
			}
			if res.DNS != "" {
				a.out.Info("dns: %s", res.DNS)
			}
			a.out.Info("url: %s", util.EmptyDash(res.URL))
		}
		a.out.Info("log: %s", res.LogPath)
		a.out.Hint("stop with: %s", strings.TrimSpace("cfkit tunnel stop "+stopArg(res.Slot)))
	})
}

func stopArg(slot string) string {
	if slot == registry.DefaultSlot {
		return ""
	}
	return slot
}

func slotArg(args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return registry.DefaultSlot, nil
	}
	if err := registry.ValidateSlot(args[0]); err != nil {
		return "", security.UserError(err.Error(), "")
	}
	return args[0], nil
}

func newStopCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a background tunnel (the quick tunnel when no name is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := slotArg(args)
			if err != nil {
				return err
			}
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			slots := []string{slot}
			if all {
				running, err := mgr.StatusAll()
				if err != nil {
					return err
				}
				slots = slots[:0]
				for _, st := range running {
					slots = append(slots, st.Slot)
				}
			}
			var results []registry.StopResult
			for _, slot := range slots {
				res, err := mgr.Stop(slot)
				if err != nil {
					return err
				}
				if res.SignalErr != nil {
					a.out.Warn(fmt.Sprintf("signal to pid %d failed: %v", res.PID, res.SignalErr))
				}
				results = append(results, res)
			}
			return a.out.Result(results, func() {
				if len(results) == 0 {
					a.out.Hint("no tunnels running")
				}
				for _, r := range results {
					a.out.Success("stopped %s (pid %d)", registry.SlotLabel(r.Slot), r.PID)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every running tunnel")
	return cmd
}

type statusOutput struct {
	Binary   string                `json:"binary,omitempty"`
	Version  string                `json:"version,omitempty"`
	Mode     model.Mode            `json:"mode"`
	Tunnels  []model.ProcessStatus `json:"tunnels"`
	Warnings []string              `json:"warnings,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show running tunnels, or one tunnel's state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				slot, err := slotArg(args)
				if err != nil {
					return err
				}
				st, err := mgr.Status(slot)
				if err != nil {
					return err
				}
				return a.out.Result(st, func() {
					a.out.Table([]string{"NAME", "STATE", "PID", "URL", "LOG"}, [][]string{statusRow(st)}, "")
				})
			}

			out := statusOutput{Mode: tunnel.SelectMode(a.creds.HasAdmin(), a.creds.TunnelToken)}
			if binDir, err := appconfig.BinDir(); err == nil {
				if bin, err := cloudflared.Locate(a.cfg.Cloudflared.Path, binDir); err == nil {
					out.Binary = bin
					if v, err := cloudflared.Version(cmd.Context(), bin); err == nil {
						out.Version = v.String()
					}
				} else {
					out.Warnings = append(out.Warnings, "cloudflared not installed; run `cfkit tunnel install`")
				}
			}
			out.Tunnels, err = mgr.StatusAll()
			if err != nil {
				return err
			}
			a.warnAll(out.Warnings)
			return a.out.Result(out, func() {
				if out.Binary != "" {
					a.out.Hint("cloudflared %s (%s), credentials: %s mode", util.EmptyDash(out.Version), out.Binary, out.Mode)
				}
				rows := make([][]string, 0, len(out.Tunnels))
				for _, st := range out.Tunnels {
					rows = append(rows, statusRow(st))
				}
				a.out.Table([]string{"NAME", "STATE", "PID", "URL", "LOG"}, rows, "no tunnels running")
			})
		},
	}
}

func statusRow(st model.ProcessStatus) []string {
	pid := "-"
	if st.PID > 0 {
		pid = strconv.Itoa(st.PID)
	}
	return []string{registry.SlotLabel(st.Slot), string(st.State), pid, util.EmptyDash(st.URL), util.EmptyDash(st.LogPath)}
}

func newLogsCmd(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs [name]",
		Short: "Print the tail of a tunnel's cloudflared log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			slot, err := slotArg(args)
			if err != nil {
				return err
			}
			out, err := reg.TailLog(slot, lines)
			if errors.Is(err, registry.ErrNotRunning) {
				return security.UserError(fmt.Sprintf("no log for tunnel %s", registry.SlotLabel(slot)), "logs are removed when a tunnel is stopped")
			}
			if err != nil {
				return err
			}
			return a.out.Result(out, func() {
				for _, l := range out {
					fmt.Fprintln(a.out.Out, l)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines (0 for all)")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var q events.Query
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			journal, err := events.NewDefault()
			if err != nil {
				return err
			}
			evts, err := journal.Read(q)
			if err != nil {
				return err
			}
			if evts == nil {
				evts = []events.Event{}
			}
			return a.out.Result(evts, func() {
				rows := make([][]string, 0, len(evts))
				for _, e := range evts {
					rows = append(rows, []string{
						e.Timestamp.Local().Format(time.DateTime),
						registry.SlotLabel(e.Slot),
						e.EventType,
						util.EmptyDash(string(e.Mode)),
						util.EmptyDash(e.Message),
					})
				}
				a.out.Table([]string{"TIME", "NAME", "EVENT", "MODE", "MESSAGE"}, rows, "no events recorded")
			})
		},
	}
	cmd.Flags().StringVar(&q.Slot, "slot", "", "filter by tunnel name (_default for the quick tunnel)")
	cmd.Flags().StringVar(&q.TunnelID, "tunnel-id", "", "filter by remote tunnel ID")
	cmd.Flags().StringVar(&q.EventType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "keep the last N matches (0 for all)")
	return cmd
}

func newForgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <name>",
		Short: "Stop a tunnel and delete its saved record (the remote tunnel is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			if err := mgr.Forget(args[0]); err != nil {
				return err
			}
			hist, err := history.NewDefault()
			if err == nil {
				err = hist.Forget(args[0])
			}
			if err != nil {
				a.out.Warn("could not update history: " + err.Error())
			}
			return a.out.Result(map[string]string{"forgotten": args[0]}, func() {
				a.out.Success("forgot %s", args[0])
			})
		},
	}
}

func newInstallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Download cloudflared for this platform into cfkit's bin directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := a.installer()
			if err != nil {
				return err
			}
			path, err := inst.Install(cmd.Context())
			if errors.Is(err, cloudflared.ErrUnsupportedPlatform) {
				return security.UserError(err.Error(), "install cloudflared manually and set cloudflared.path in config.yaml")
			}
			if err != nil {
				return err
			}
			res := map[string]string{"path": path}
			if v, err := cloudflared.Version(cmd.Context(), path); err == nil {
				res["version"] = v.String()
			}
			return a.out.Result(res, func() {
				a.out.Success("installed cloudflared %s at %s", util.EmptyDash(res["version"]), path)
			})
		},
	}
}
