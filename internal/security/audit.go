package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/cfkit/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects permissions on cfkit's config directory and on every
// file that holds a credential.
func RunLocalAudit() (AuditReport, error) {
	cfgDir, err := appconfig.ConfigDir()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	checkPathPerm(&findings, cfgDir, 0o700, false, SeverityMedium)
	checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true, SeverityLow)
	checkPathPerm(&findings, filepath.Join(cfgDir, "events.jsonl"), 0o600, true, SeverityLow)
	if p, err := appconfig.CredentialsFilePath(); err == nil {
		checkPathPerm(&findings, p, 0o600, true, SeverityHigh)
	}
	if runDir, err := appconfig.RunDir(); err == nil {
		checkPathPerm(&findings, runDir, 0o700, false, SeverityMedium)
	}
	if tunnelsDir, err := appconfig.TunnelsDir(); err == nil {
		checkPathPerm(&findings, tunnelsDir, 0o700, false, SeverityMedium)
		records, _ := filepath.Glob(filepath.Join(tunnelsDir, "*.json"))
		for _, rec := range records {
			checkPathPerm(&findings, rec, 0o600, true, SeverityHigh)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

// checkPathPerm records a finding at sev when path is more permissive than max.
func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool, sev Severity) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       sev,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("chmod %#o %s", max, path),
		})
	}
}
