// Package cloudflared locates, installs and drives the cloudflared client.
//
// cfkit never implements the tunnel protocol itself. It launches the official
// client binary, which means connector behaviour (edge selection, retries,
// protocol negotiation) always matches what Cloudflare ships.
//
// The binary is resolved in this order:
//
//  1. the cloudflared.path setting, when set
//  2. "cloudflared" on PATH
//  3. <config>/bin/cloudflared, installed by cfkit on demand
//
// Connector tokens are handed to the child through the TUNNEL_TOKEN environment
// variable so they never appear in the process list.
package cloudflared

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog/log"

	"github.com/treykane/cfkit/internal/registry"
)

// TokenEnv is the environment variable cloudflared reads its connector token from.
const TokenEnv = "TUNNEL_TOKEN"

var (
	// ErrNotFound means no usable binary exists and none was installed.
	ErrNotFound = errors.New("cloudflared binary not found")
	// ErrUnsupportedPlatform means no release asset exists for this OS/arch.
	ErrUnsupportedPlatform = errors.New("no cloudflared release for this platform")
)

// BinaryName returns the executable file name for goos.
func BinaryName(goos string) string {
	if goos == "windows" {
		return "cloudflared.exe"
	}
	return "cloudflared"
}

// Locate finds an existing binary without installing anything. An explicit
// path that does not exist is an error rather than a fallthrough.
func Locate(explicit, binDir string) (string, error) {
	if explicit != "" {
		p, err := exec.LookPath(explicit)
		if err != nil {
			return "", fmt.Errorf("%w: configured path %s: %v", ErrNotFound, explicit, err)
		}
		return p, nil
	}
	if p, err := exec.LookPath("cloudflared"); err == nil {
		return p, nil
	}
	if binDir != "" {
		managed := filepath.Join(binDir, BinaryName(runtime.GOOS))
		if p, err := exec.LookPath(managed); err == nil {
			return p, nil
		}
	}
	return "", ErrNotFound
}

var versionRe = regexp.MustCompile(`(?i)version\s+v?(\d+\.\d+\.\d+)`)

// ParseVersion extracts the release version from `cloudflared --version` output,
// e.g. "cloudflared version 2024.6.1 (built 2024-06-12-1334 UTC)".
func ParseVersion(out string) (*semver.Version, error) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("unrecognised version output %q", strings.TrimSpace(out))
	}
	return semver.NewVersion(m[1])
}

// Version runs the binary with --version and parses the result.
func Version(ctx context.Context, bin string) (*semver.Version, error) {
	out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s --version: %w", bin, err)
	}
	return ParseVersion(string(out))
}

// CheckMinVersion returns an error when v is older than minimum.
func CheckMinVersion(v *semver.Version, minimum string) error {
	if minimum == "" {
		return nil
	}
	c, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("cloudflared %s is older than %s", v, minimum)
	}
	return nil
}

// ParseExtraArgs splits the shell-quoted cloudflared.extra_args setting.
func ParseExtraArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse cloudflared.extra_args: %w", err)
	}
	return args, nil
}

// RunCommand builds the command that connects a remotely managed tunnel.
// Extra arguments are tunnel-level options and go before the run subcommand.
func RunCommand(bin, token string, extra []string) registry.Command {
	args := append([]string{"tunnel", "--no-autoupdate"}, extra...)
	args = append(args, "run")
	log.Debug().Strs("args", args).Msg("cloudflared run command")
	return registry.Command{
		Name: bin,
		Args: args,
		Env:  []string{TokenEnv + "=" + token},
	}
}

// QuickCommand builds the command for an account-less quick tunnel to serviceURL.
func QuickCommand(bin, serviceURL string, extra []string) registry.Command {
	args := append([]string{"tunnel", "--no-autoupdate"}, extra...)
	args = append(args, "--url", serviceURL)
	log.Debug().Strs("args", args).Msg("cloudflared quick command")
	return registry.Command{Name: bin, Args: args}
}
