package cli

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/cloudflare"
	"github.com/treykane/cfkit/internal/cloudflared"
	"github.com/treykane/cfkit/internal/events"
	"github.com/treykane/cfkit/internal/history"
	"github.com/treykane/cfkit/internal/logging"
	"github.com/treykane/cfkit/internal/output"
	"github.com/treykane/cfkit/internal/reconcile"
	"github.com/treykane/cfkit/internal/registry"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/store"
	"github.com/treykane/cfkit/internal/tunnel"
)

// BaseURLEnv overrides the Cloudflare API endpoint.
const BaseURLEnv = "CLOUDFLARE_API_BASE_URL"

// app carries per-invocation state shared by every subcommand.
type app struct {
	credentialsFile string
	logLevel        string
	jsonOut         bool

	cfg   appconfig.Config
	creds appconfig.Credentials
	out   output.Printer

	warned    map[string]bool
	handedOff bool
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := logging.Setup(cfg.LogLevel, cmd.ErrOrStderr()); err != nil {
		return security.UserError(err.Error(), "pass --log-level debug, info, warn or error")
	}
	creds, err := appconfig.LoadCredentials(a.credentialsFile)
	if err != nil {
		return security.UserError(err.Error(), "check the --credentials-file path")
	}
	a.cfg = cfg
	a.creds = creds
	a.out = output.Printer{
		Out:  cmd.OutOrStdout(),
		Err:  cmd.ErrOrStderr(),
		JSON: a.jsonOut || cfg.Output == appconfig.OutputJSON,
	}
	log.Debug().Str("mode", string(tunnel.SelectMode(creds.HasAdmin(), creds.TunnelToken))).Msg("credentials loaded")
	return nil
}

// client returns an API client or a user error naming the missing credentials.
func (a *app) client() (*cloudflare.Client, error) {
	c, err := cloudflare.NewClient(cloudflare.ClientConfig{
		APIToken:  a.creds.APIToken,
		APIKey:    a.creds.APIKey,
		APIEmail:  a.creds.APIEmail,
		AccountID: a.creds.AccountID,
		BaseURL:   strings.TrimSpace(os.Getenv(BaseURLEnv)),
		Timeout:   time.Duration(a.cfg.Tunnel.APITimeoutSeconds) * time.Second,
	})
	if errors.Is(err, cloudflare.ErrNoCredentials) {
		return nil, security.UserError(
			"this command needs Cloudflare API credentials",
			"set CLOUDFLARE_API_TOKEN (and CF_ACCOUNT_ID) or CF_API_KEY with CF_API_EMAIL",
		)
	}
	return c, err
}

func (a *app) registry() (*registry.Registry, error) {
	return registry.NewDefault(registry.OSSupervisor{Out: a.out.Out})
}

func (a *app) installer() (*cloudflared.Installer, error) {
	binDir, err := appconfig.BinDir()
	if err != nil {
		return nil, err
	}
	return cloudflared.NewInstaller(a.cfg.Cloudflared.DownloadBaseURL, binDir), nil
}

func (a *app) manager() (*tunnel.Manager, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	st, err := store.NewDefault()
	if err != nil {
		return nil, err
	}
	journal, err := events.NewDefault()
	if err != nil {
		return nil, err
	}
	hist, err := history.NewDefault()
	if err != nil {
		return nil, err
	}
	inst, err := a.installer()
	if err != nil {
		return nil, err
	}
	extra, err := cloudflared.ParseExtraArgs(a.cfg.Cloudflared.ExtraArgs)
	if err != nil {
		return nil, security.UserError(err.Error(), "fix cloudflared.extra_args in config.yaml")
	}
	opts := tunnel.Options{
		Registry:   reg,
		Store:      st,
		Binary:     inst,
		Journal:    journal,
		Touch:      hist.Touch,
		BinaryPath: a.cfg.Cloudflared.Path,
		ExtraArgs:  extra,
		URLWait:    time.Duration(a.cfg.Tunnel.URLWaitSeconds) * time.Second,
	}
	if a.creds.HasAdmin() {
		c, err := a.client()
		if err != nil {
			return nil, err
		}
		opts.Provisioner = reconcile.New(c)
		opts.OnProvisioned = a.handOff
	}
	return tunnel.NewManager(opts), nil
}

// warnAll prints each distinct warning once per invocation.
func (a *app) warnAll(warnings []string) {
	if a.warned == nil {
		a.warned = map[string]bool{}
	}
	for _, w := range warnings {
		if a.warned[w] {
			continue
		}
		a.warned[w] = true
		a.out.Warn(w)
	}
}

// handOff prints the provisioning summary and connector token before the
// client starts, so a foreground run shows them while it is still attached.
func (a *app) handOff(res tunnel.Result) {
	a.handedOff = true
	a.warnAll(res.Warnings)
	a.out.Success("tunnel %s is ready", registry.SlotLabel(res.Slot))
	a.out.Info("tunnel id: %s", res.TunnelID)
	if res.DNS != "" {
		a.out.Info("dns: %s", res.DNS)
	}
	if res.URL != "" {
		a.out.Info("url: %s", res.URL)
	}
	a.out.Info("connector token: %s", res.Token)
	a.out.Hint("run it on another machine with: cfkit tunnel start --token <connector token>")
}

// journal appends evt to the event journal, warning when it is unavailable.
func (a *app) journal(evt events.Event) {
	j, err := events.NewDefault()
	if err == nil {
		err = j.Append(evt)
	}
	if err != nil {
		a.out.Warn("event journal unavailable: " + err.Error())
	}
}

func lastUsedTimes() (map[string]int64, error) {
	hist, err := history.NewDefault()
	if err != nil {
		return nil, err
	}
	return hist.LastUsed()
}
