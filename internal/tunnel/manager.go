// Package tunnel decides how a tunnel is provisioned and drives its client
// process through the local registry.
//
// A start request is resolved into one of three modes (see SelectMode):
//
//   - user: a connector token was supplied. No Cloudflare API call is made;
//     the client is launched with the token.
//   - admin: API credentials are available. The tunnel, its DNS record and its
//     ingress rules are reconciled, the resulting identity is saved, and the
//     client is launched with the freshly fetched token.
//   - error: neither is available. Nothing is called and nothing is spawned.
//
// Only this package decides whether a failure is fatal or a warning; the
// reconciler, registry and store simply return errors.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/treykane/cfkit/internal/cloudflare"
	"github.com/treykane/cfkit/internal/cloudflared"
	"github.com/treykane/cfkit/internal/events"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/reconcile"
	"github.com/treykane/cfkit/internal/registry"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/store"
	"github.com/treykane/cfkit/internal/util"
)

// Provisioner is the remote reconciliation surface used in admin mode.
type Provisioner interface {
	EnsureTunnel(ctx context.Context, name string) (id string, created bool, err error)
	EnsureDNS(ctx context.Context, name, domain, target string) (model.DNSOutcome, error)
	EnsureIngress(ctx context.Context, tunnelID, hostname string, port int, protocol string) error
	FetchCredential(ctx context.Context, tunnelID string) (string, error)
}

// BinaryResolver returns a runnable cloudflared, installing it if needed.
type BinaryResolver interface {
	Ensure(ctx context.Context, explicit string) (path string, installed bool, err error)
}

// Journal records lifecycle events. Append failures are logged, never fatal.
type Journal interface {
	Append(events.Event) error
}

// Options wires a Manager to its collaborators.
type Options struct {
	Registry *registry.Registry
	Store    store.Store
	// Provisioner is nil when no admin credentials are configured.
	Provisioner Provisioner
	Binary      BinaryResolver
	Journal     Journal
	// Touch records a successful start of a named tunnel.
	Touch func(name string) error
	// OnProvisioned receives an admin-mode result once the connector token is
	// known and before the client starts, so the token can be handed off.
	OnProvisioned func(Result)

	// BinaryPath pins the client executable (cloudflared.path).
	BinaryPath string
	ExtraArgs  []string
	// URLWait bounds how long background quick tunnels wait for their URL.
	URLWait time.Duration
	Now     func() time.Time
}

// Manager orchestrates provisioning and the client process lifecycle.
type Manager struct {
	reg     *registry.Registry
	store   store.Store
	prov    Provisioner
	binary  BinaryResolver
	journal Journal
	touch   func(string) error
	onProv  func(Result)
	binPath string
	extra   []string
	urlWait time.Duration
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		reg:     opts.Registry,
		store:   opts.Store,
		prov:    opts.Provisioner,
		binary:  opts.Binary,
		journal: opts.Journal,
		touch:   opts.Touch,
		onProv:  opts.OnProvisioned,
		binPath: opts.BinaryPath,
		extra:   opts.ExtraArgs,
		urlWait: opts.URLWait,
		now:     opts.Now,
	}
	if m.urlWait <= 0 {
		m.urlWait = util.DefaultURLWait
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// HasAdmin reports whether admin-mode provisioning is possible.
func (m *Manager) HasAdmin() bool { return m.prov != nil }

// StartRequest describes a named or token-driven tunnel start.
type StartRequest struct {
	// Name overrides the slot and tunnel name. It defaults to the hostname label.
	Name     string
	Hostname string
	Port     int
	Protocol string
	// Token selects user mode when non-empty.
	Token      string
	Background bool
}

// QuickRequest describes a quick tunnel start.
type QuickRequest struct {
	// Name selects a reusable named quick tunnel. Empty means an unnamed
	// random trycloudflare.com tunnel.
	Name       string
	Domain     string
	Port       int
	Protocol   string
	Background bool
}

// Result reports what a start did. Warnings are degraded-success notices the
// caller shows to the user.
type Result struct {
	Mode     model.Mode       `json:"mode"`
	Slot     string           `json:"slot"`
	PID      int              `json:"pid,omitempty"`
	LogPath  string           `json:"log_path,omitempty"`
	URL      string           `json:"url,omitempty"`
	TunnelID string           `json:"tunnel_id,omitempty"`
	Created  bool             `json:"created,omitempty"`
	DNS      model.DNSOutcome `json:"dns,omitempty"`
	Reused   bool             `json:"reused,omitempty"`
	FellBack bool             `json:"fell_back,omitempty"`
	// Token is the connector token fetched in admin mode, for handoff.
	Token    string   `json:"token,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	log.Warn().Str("slot", r.Slot).Msg(msg)
}

var errNoCredentials = security.UserError(
	"no tunnel token and no Cloudflare API credentials",
	"set TUNNEL_TOKEN to run an existing tunnel, or CLOUDFLARE_API_TOKEN (with CF_ACCOUNT_ID) to provision one",
)

// Start runs a tunnel in the mode chosen by SelectMode.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Result, error) {
	mode := SelectMode(m.prov != nil, req.Token)
	switch mode {
	case model.ModeUser:
		return m.startUser(ctx, req)
	case model.ModeAdmin:
		return m.startAdmin(ctx, req)
	default:
		return Result{Mode: model.ModeError}, errNoCredentials
	}
}

func (m *Manager) startUser(ctx context.Context, req StartRequest) (Result, error) {
	res := Result{Mode: model.ModeUser}
	slot := req.Name
	if slot == "" && req.Hostname != "" {
		label, _, err := SplitHostname(req.Hostname)
		if err != nil {
			return res, err
		}
		slot = label
	}
	if slot == "" {
		slot = registry.DefaultSlot
	}
	if err := registry.ValidateSlot(slot); err != nil {
		return res, security.UserError(err.Error(), "")
	}
	if req.Port != 0 {
		if err := util.ValidatePort(req.Port); err != nil {
			return res, security.UserError(err.Error(), "")
		}
	}
	res.Slot = slot
	if req.Hostname != "" {
		res.URL = "https://" + strings.ToLower(req.Hostname)
	}
	bin, err := m.ensureBinary(ctx)
	if err != nil {
		return res, err
	}
	err = m.launch(ctx, &res, cloudflared.RunCommand(bin, req.Token, m.extra), req.Background)
	return res, err
}

func (m *Manager) startAdmin(ctx context.Context, req StartRequest) (Result, error) {
	res := Result{Mode: model.ModeAdmin}
	if strings.TrimSpace(req.Hostname) == "" {
		return res, security.UserError("a hostname is required to provision a tunnel", "pass --hostname support.example.com")
	}
	label, domain, err := SplitHostname(req.Hostname)
	if err != nil {
		return res, err
	}
	name := req.Name
	if name == "" {
		name = label
	}
	if err := util.ValidateName(name); err != nil {
		return res, security.UserError(err.Error(), "")
	}
	protocol, err := util.NormalizeProtocol(req.Protocol)
	if err != nil {
		return res, security.UserError(err.Error(), "")
	}
	if err := util.ValidatePort(req.Port); err != nil {
		return res, security.UserError(err.Error(), "pass --port with the local service port")
	}
	res.Slot = name
	if err := m.ensureIdle(name); err != nil {
		return res, err
	}
	bin, err := m.ensureBinary(ctx)
	if err != nil {
		return res, err
	}
	ident, err := m.provision(ctx, &res, name, label, domain, req.Port, protocol)
	if err != nil {
		return res, err
	}
	res.Token = ident.Credential
	res.URL = "https://" + ident.Hostname
	m.provisioned(res)
	err = m.launch(ctx, &res, cloudflared.RunCommand(bin, ident.Credential, m.extra), req.Background)
	return res, err
}

// provision runs the admin sequence and persists the identity. Tunnel, DNS and
// credential failures abort; ingress failures only warn.
func (m *Manager) provision(ctx context.Context, res *Result, name, label, domain string, port int, protocol string) (model.TunnelIdentity, error) {
	hostname := label + "." + domain

	id, created, err := m.prov.EnsureTunnel(ctx, name)
	if err != nil {
		return model.TunnelIdentity{}, security.RemoteError("ensure tunnel "+name, err)
	}
	res.TunnelID, res.Created = id, created

	outcome, err := m.prov.EnsureDNS(ctx, label, domain, cloudflare.TunnelTarget(id))
	var conflict *reconcile.DNSConflictError
	if errors.As(err, &conflict) {
		return model.TunnelIdentity{}, security.UserError(
			conflict.Error(),
			fmt.Sprintf("delete that record in the Cloudflare dashboard or choose a hostname other than %s", hostname),
		)
	}
	if err != nil {
		return model.TunnelIdentity{}, security.RemoteError("ensure DNS record "+hostname, err)
	}
	res.DNS = outcome
	m.record(events.Event{Slot: name, TunnelID: id, Mode: res.Mode, EventType: events.TypeDNS, Message: string(outcome) + " " + hostname})

	if err := m.prov.EnsureIngress(ctx, id, hostname, port, protocol); err != nil {
		res.warn("ingress for %s was not updated: %v", hostname, err)
		m.record(events.Event{Slot: name, TunnelID: id, Mode: res.Mode, EventType: events.TypeIngressWarning, Message: err.Error()})
	}

	token, err := m.prov.FetchCredential(ctx, id)
	if err != nil {
		return model.TunnelIdentity{}, security.RemoteError("fetch tunnel token", err)
	}

	ident := model.TunnelIdentity{
		Name:       name,
		RemoteID:   id,
		Credential: token,
		Hostname:   hostname,
		Domain:     domain,
		CreatedAt:  m.now(),
	}
	if err := m.store.Save(ident); err != nil {
		res.warn("tunnel %s was provisioned but could not be saved locally: %v", name, err)
	}
	m.record(events.Event{Slot: name, TunnelID: id, Mode: res.Mode, EventType: events.TypeProvisioned, Message: hostname})
	return ident, nil
}

// RunRequest starts an existing remote tunnel by ID.
type RunRequest struct {
	TunnelID string
	// Name is the remote tunnel name. It becomes the slot when it is a valid
	// tunnel name, otherwise the ID is used.
	Name       string
	Background bool
}

// Run fetches the connector token of an existing remote tunnel and starts the
// client with it. DNS and ingress are left as they are on the remote side.
func (m *Manager) Run(ctx context.Context, req RunRequest) (Result, error) {
	res := Result{Mode: model.ModeAdmin, TunnelID: req.TunnelID}
	if m.prov == nil {
		return res, security.UserError(
			"running a remote tunnel by name or ID needs Cloudflare API credentials",
			"set CLOUDFLARE_API_TOKEN, or pass the connector token to `cfkit tunnel start --token`",
		)
	}
	res.Slot = req.Name
	if util.ValidateName(res.Slot) != nil {
		res.Slot = req.TunnelID
	}
	if err := registry.ValidateSlot(res.Slot); err != nil {
		return res, security.UserError(err.Error(), "")
	}
	if err := m.ensureIdle(res.Slot); err != nil {
		return res, err
	}
	bin, err := m.ensureBinary(ctx)
	if err != nil {
		return res, err
	}
	token, err := m.prov.FetchCredential(ctx, req.TunnelID)
	if err != nil {
		return res, security.RemoteError("fetch tunnel token", err)
	}
	res.Token = token
	m.provisioned(res)
	err = m.launch(ctx, &res, cloudflared.RunCommand(bin, token, m.extra), req.Background)
	return res, err
}

func (m *Manager) provisioned(res Result) {
	if m.onProv != nil {
		m.onProv(res)
	}
}

// Quick starts a named quick tunnel when req.Name is set, otherwise an
// unnamed random one.
func (m *Manager) Quick(ctx context.Context, req QuickRequest) (Result, error) {
	if req.Name == "" {
		return m.QuickRandom(ctx, req)
	}
	return m.QuickNamed(ctx, req)
}

// QuickNamed reconnects a saved tunnel without any API call, or provisions it
// once through the admin sequence and saves it.
func (m *Manager) QuickNamed(ctx context.Context, req QuickRequest) (Result, error) {
	res := Result{Mode: model.ModeAdmin, Slot: req.Name}
	if err := util.ValidateName(req.Name); err != nil {
		return res, security.UserError(err.Error(), "")
	}
	ident, ok, err := m.store.Load(req.Name)
	if err != nil {
		return res, err
	}
	if ok {
		res.Mode = model.ModeUser
		res.Reused = true
		res.TunnelID = ident.RemoteID
		if fqdn := ident.FQDN(); fqdn != "" {
			res.URL = "https://" + fqdn
		}
		if err := m.ensureIdle(req.Name); err != nil {
			return res, err
		}
		bin, err := m.ensureBinary(ctx)
		if err != nil {
			return res, err
		}
		err = m.launch(ctx, &res, cloudflared.RunCommand(bin, ident.Credential, m.extra), req.Background)
		return res, err
	}

	if m.prov == nil {
		return res, security.UserError(
			fmt.Sprintf("tunnel %q is not saved locally and no API credentials are configured", req.Name),
			"set CLOUDFLARE_API_TOKEN so cfkit can provision it once",
		)
	}
	if strings.TrimSpace(req.Domain) == "" {
		return res, security.UserError(
			fmt.Sprintf("tunnel %q is not saved locally", req.Name),
			"pass --domain example.com to provision it",
		)
	}
	return m.startAdmin(ctx, StartRequest{
		Name:       req.Name,
		Hostname:   req.Name + "." + strings.TrimPrefix(req.Domain, "."),
		Port:       req.Port,
		Protocol:   req.Protocol,
		Background: req.Background,
	})
}

// Hybrid tries QuickNamed and falls back to an unnamed random tunnel when
// remote reconciliation fails. The reconciliation error becomes a warning.
func (m *Manager) Hybrid(ctx context.Context, req QuickRequest) (Result, error) {
	res, err := m.QuickNamed(ctx, req)
	if err == nil || security.KindOf(err) != security.KindRemote {
		return res, err
	}
	m.record(events.Event{Slot: req.Name, Mode: res.Mode, EventType: events.TypeFallback, Message: err.Error()})
	fallback, qerr := m.QuickRandom(ctx, QuickRequest{Port: req.Port, Protocol: req.Protocol, Background: req.Background})
	fallback.FellBack = true
	fallback.Warnings = append([]string{fmt.Sprintf("named tunnel %s unavailable, using a random quick tunnel: %v", req.Name, err)}, fallback.Warnings...)
	log.Warn().Err(err).Str("tunnel", req.Name).Msg("falling back to random quick tunnel")
	return fallback, qerr
}

// QuickRandom starts an account-less trycloudflare.com tunnel in the default slot.
func (m *Manager) QuickRandom(ctx context.Context, req QuickRequest) (Result, error) {
	res := Result{Mode: model.ModeUser, Slot: registry.DefaultSlot}
	protocol, err := util.NormalizeProtocol(req.Protocol)
	if err != nil {
		return res, security.UserError(err.Error(), "")
	}
	if err := util.ValidatePort(req.Port); err != nil {
		return res, security.UserError(err.Error(), "pass --port with the local service port")
	}
	if err := m.ensureIdle(res.Slot); err != nil {
		return res, err
	}
	bin, err := m.ensureBinary(ctx)
	if err != nil {
		return res, err
	}
	cmd := cloudflared.QuickCommand(bin, util.ServiceURL(protocol, req.Port), m.extra)
	if err := m.launch(ctx, &res, cmd, req.Background); err != nil {
		return res, err
	}
	if !req.Background {
		return res, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.urlWait)
	defer cancel()
	url, err := m.reg.WaitForURL(waitCtx, res.Slot)
	switch {
	case err == nil:
		res.URL = url
	case errors.Is(err, registry.ErrURLNotYetKnown):
		res.warn("no public URL after %s; check `cfkit tunnel status` later", m.urlWait)
	default:
		return res, err
	}
	return res, nil
}

// Status reports one slot. A stale record is healed by the registry, journaled
// here and reported as not running.
func (m *Manager) Status(slot string) (model.ProcessStatus, error) {
	st, err := m.reg.Status(slot)
	if err != nil {
		return st, err
	}
	if st.State == model.ProcessStale {
		m.record(events.Event{Slot: slot, EventType: events.TypeStaleHealed, State: model.ProcessStale})
		st = model.ProcessStatus{Slot: slot, State: model.ProcessNotRunning}
	}
	return st, nil
}

// StatusAll returns every running slot.
func (m *Manager) StatusAll() ([]model.ProcessStatus, error) {
	return m.reg.List()
}

// Stop terminates the slot's client and removes its records.
func (m *Manager) Stop(slot string) (registry.StopResult, error) {
	res, err := m.reg.Stop(slot)
	if errors.Is(err, registry.ErrNotRunning) {
		return res, security.UserError(
			fmt.Sprintf("tunnel %s is not running", registry.SlotLabel(slot)),
			"run `cfkit tunnel status` to list running tunnels",
		)
	}
	if err != nil {
		return res, err
	}
	msg := ""
	if res.SignalErr != nil {
		msg = res.SignalErr.Error()
	}
	m.record(events.Event{Slot: slot, EventType: events.TypeStopped, PID: res.PID, State: model.ProcessNotRunning, Message: msg})
	return res, nil
}

// Forget stops a running client and deletes the saved identity of name. The
// remote tunnel is left alone.
func (m *Manager) Forget(name string) error {
	if _, err := m.reg.Stop(name); err != nil && !errors.Is(err, registry.ErrNotRunning) {
		return err
	}
	if err := m.store.Delete(name); err != nil {
		return err
	}
	m.record(events.Event{Slot: name, EventType: events.TypeDeleted})
	return nil
}

// Saved lists saved identities plus warnings for unreadable records.
func (m *Manager) Saved() (store.ListResult, error) {
	return m.store.List()
}

func (m *Manager) ensureIdle(slot string) error {
	st, err := m.Status(slot)
	if err != nil {
		return err
	}
	if st.Running() {
		return security.ConflictError(
			fmt.Sprintf("tunnel %s is already running", registry.SlotLabel(slot)),
			&registry.AlreadyRunningError{Slot: slot, PID: st.PID},
		)
	}
	return nil
}

func (m *Manager) ensureBinary(ctx context.Context) (string, error) {
	bin, installed, err := m.binary.Ensure(ctx, m.binPath)
	if err != nil {
		return "", fmt.Errorf("cloudflared unavailable: %w", err)
	}
	if installed {
		log.Info().Str("path", bin).Msg("installed cloudflared")
	}
	return bin, nil
}

func (m *Manager) launch(ctx context.Context, res *Result, cmd registry.Command, background bool) error {
	m.record(events.Event{Slot: res.Slot, TunnelID: res.TunnelID, Mode: res.Mode, EventType: events.TypeStartRequested})
	h, err := m.reg.Start(ctx, res.Slot, cmd, background)
	res.PID, res.LogPath = h.PID, h.LogPath
	if err != nil {
		var failed *registry.ChildFailedError
		switch {
		case errors.Is(err, registry.ErrAlreadyRunning):
			err = security.ConflictError(fmt.Sprintf("tunnel %s is already running", registry.SlotLabel(res.Slot)), err)
		case errors.As(err, &failed):
			m.record(events.Event{Slot: res.Slot, TunnelID: res.TunnelID, EventType: events.TypeExited, PID: h.PID, Message: failed.Error()})
			return err
		}
		m.record(events.Event{Slot: res.Slot, TunnelID: res.TunnelID, EventType: events.TypeStartFailed, Message: err.Error()})
		return err
	}
	if background {
		if res.URL != "" {
			if err := m.reg.RecordURL(res.Slot, res.URL); err != nil {
				log.Debug().Err(err).Str("slot", res.Slot).Msg("failed to record hostname url")
			}
		}
		m.record(events.Event{Slot: res.Slot, TunnelID: res.TunnelID, Mode: res.Mode, EventType: events.TypeStarted, PID: h.PID, State: model.ProcessRunning})
	} else {
		m.record(events.Event{Slot: res.Slot, TunnelID: res.TunnelID, EventType: events.TypeExited, PID: h.PID})
	}
	if res.Slot != registry.DefaultSlot && m.touch != nil {
		if err := m.touch(res.Slot); err != nil {
			log.Debug().Err(err).Msg("failed to update tunnel history")
		}
	}
	return nil
}

func (m *Manager) record(evt events.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(evt); err != nil {
		log.Warn().Err(err).Str("event", evt.EventType).Msg("failed to append event")
	}
}
