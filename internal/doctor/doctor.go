package doctor

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/cloudflared"
	"github.com/treykane/cfkit/internal/model"
	"github.com/treykane/cfkit/internal/registry"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/store"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Binary  string  `json:"binary,omitempty"`
	Version string  `json:"version,omitempty"`
	Mode    string  `json:"mode"`
	Issues  []Issue `json:"issues"`
}

// Options selects what Run inspects. Nil collaborators skip their checks.
type Options struct {
	BinaryPath  string
	BinDir      string
	MinVersion  string
	Credentials appconfig.Credentials
	Registry    *registry.Registry
	Store       store.Store

	// Locate and Version default to the cloudflared package functions.
	Locate  func(explicit, binDir string) (string, error)
	Version func(ctx context.Context, bin string) (*semver.Version, error)
	// Audit defaults to security.RunLocalAudit.
	Audit func() (security.AuditReport, error)
}

// Run executes local diagnostics for cfkit operations.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Locate == nil {
		opts.Locate = cloudflared.Locate
	}
	if opts.Version == nil {
		opts.Version = cloudflared.Version
	}
	if opts.Audit == nil {
		opts.Audit = security.RunLocalAudit
	}

	var report Report
	var issues []Issue

	bin, err := opts.Locate(opts.BinaryPath, opts.BinDir)
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "cloudflared-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "run `cfkit tunnel install` or set cloudflared.path in config.yaml",
		})
	} else {
		report.Binary = bin
		issues = append(issues, versionIssues(ctx, opts, bin, &report)...)
	}

	report.Mode = string(modeOf(opts.Credentials))
	issues = append(issues, credentialIssues(opts.Credentials)...)

	if opts.Store != nil {
		if res, err := opts.Store.List(); err == nil {
			for _, w := range res.Warnings {
				issues = append(issues, Issue{
					Severity:       SeverityMedium,
					Check:          "saved-tunnel",
					Target:         "tunnels",
					Message:        w,
					Recommendation: "remove the record with `cfkit tunnel forget` and provision it again",
				})
			}
		} else {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "saved-tunnel",
				Target:         "tunnels",
				Message:        err.Error(),
				Recommendation: "check permissions on the tunnels directory",
			})
		}
	}

	if opts.Registry != nil {
		issues = append(issues, staleIssues(opts.Registry)...)
	}

	if audit, err := opts.Audit(); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	if issues == nil {
		issues = []Issue{}
	}
	report.Issues = issues
	return report, nil
}

// HasHigh reports whether any issue blocks tunnel starts.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

func versionIssues(ctx context.Context, opts Options, bin string, report *Report) []Issue {
	v, err := opts.Version(ctx, bin)
	if err != nil {
		return []Issue{{
			Severity:       SeverityMedium,
			Check:          "cloudflared-version",
			Target:         bin,
			Message:        err.Error(),
			Recommendation: "verify the binary runs: cloudflared --version",
		}}
	}
	report.Version = v.String()
	if err := cloudflared.CheckMinVersion(v, opts.MinVersion); err != nil {
		return []Issue{{
			Severity:       SeverityMedium,
			Check:          "cloudflared-version",
			Target:         bin,
			Message:        err.Error(),
			Recommendation: "upgrade cloudflared or run `cfkit tunnel install`",
		}}
	}
	return nil
}

func modeOf(c appconfig.Credentials) model.Mode {
	switch {
	case c.TunnelToken != "":
		return model.ModeUser
	case c.HasAdmin():
		return model.ModeAdmin
	default:
		return model.ModeError
	}
}

func credentialIssues(c appconfig.Credentials) []Issue {
	var issues []Issue
	if c.TunnelToken == "" && !c.HasAdmin() {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "credentials",
			Target:         "environment",
			Message:        "no tunnel token and no Cloudflare API credentials; only random quick tunnels can start",
			Recommendation: "set TUNNEL_TOKEN or CLOUDFLARE_API_TOKEN, or write them to the credentials file",
		})
	}
	if (c.APIKey == "") != (c.APIEmail == "") {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "credentials",
			Target:         "CLOUDFLARE_API_KEY",
			Message:        "a global API key needs both CLOUDFLARE_API_KEY and CLOUDFLARE_EMAIL",
			Recommendation: "set the missing variable or switch to a scoped CLOUDFLARE_API_TOKEN",
		})
	}
	if c.HasAdmin() && c.AccountID == "" {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "credentials",
			Target:         "CF_ACCOUNT_ID",
			Message:        "account ID not set; it will be taken from the first zone the credentials can see",
			Recommendation: "set CF_ACCOUNT_ID when the credentials span several accounts",
		})
	}
	return issues
}

func staleIssues(reg *registry.Registry) []Issue {
	slots, err := reg.Slots()
	if err != nil {
		return []Issue{{
			Severity:       SeverityLow,
			Check:          "runtime",
			Target:         reg.Dir(),
			Message:        fmt.Sprintf("unable to list run records: %v", err),
			Recommendation: "verify the run directory is readable",
		}}
	}
	var issues []Issue
	for _, slot := range slots {
		st, err := reg.Status(slot)
		if err != nil || st.State != model.ProcessStale {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "runtime-stale",
			Target:         registry.SlotLabel(slot),
			Message:        "pid record named a dead process and was removed",
			Recommendation: "start the tunnel again if it should be running",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
