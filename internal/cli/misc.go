package cli

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/treykane/cfkit/internal/appconfig"
	"github.com/treykane/cfkit/internal/doctor"
	"github.com/treykane/cfkit/internal/output"
	"github.com/treykane/cfkit/internal/security"
	"github.com/treykane/cfkit/internal/store"
)

func writeJSON(a *app, v any) error {
	return output.JSON(a.out.Out, v)
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check cloudflared, credentials and local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			binDir, err := appconfig.BinDir()
			if err != nil {
				return err
			}
			reg, err := a.registry()
			if err != nil {
				return err
			}
			st, err := store.NewDefault()
			if err != nil {
				return err
			}
			report, err := doctor.Run(cmd.Context(), doctor.Options{
				BinaryPath:  a.cfg.Cloudflared.Path,
				BinDir:      binDir,
				MinVersion:  a.cfg.Cloudflared.MinVersion,
				Credentials: a.creds,
				Registry:    reg,
				Store:       st,
			})
			if err != nil {
				return err
			}
			return a.out.Result(report, func() {
				a.out.Hint("cloudflared: %s %s, credentials: %s mode", orNone(report.Binary), report.Version, report.Mode)
				rows := make([][]string, 0, len(report.Issues))
				for _, i := range report.Issues {
					rows = append(rows, []string{strings.ToUpper(string(i.Severity)), i.Check, i.Target, i.Message, i.Recommendation})
				}
				a.out.Table([]string{"SEVERITY", "CHECK", "TARGET", "MESSAGE", "FIX"}, rows, "no issues found")
			})
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "not found"
	}
	return s
}

func newRawCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "raw <METHOD> <path>",
		Short: "Send an authenticated request to the Cloudflare API and print the result",
		Example: `  cfkit raw GET /zones
  cfkit raw POST /accounts/ACCOUNT/cfd_tunnel --data '{"name":"demo","config_src":"cloudflare"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			switch method {
			case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				return security.UserError(fmt.Sprintf("unsupported method %q", args[0]), "use GET, POST, PUT, PATCH or DELETE")
			}
			path := args[1]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			var body any
			if data != "" {
				body = []byte(data)
			}
			raw, err := c.Do(cmd.Context(), method, path, body)
			if err != nil {
				return remoteErr(method+" "+path, err)
			}
			return printRaw(a, raw)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Inspect cfkit configuration"}
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.out.JSON {
				return writeJSON(a, a.cfg)
			}
			b, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = a.out.Out.Write(b)
			return err
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := appconfig.ConfigDir()
			if err != nil {
				return err
			}
			return a.out.Result(map[string]string{
				"config":      filepath.Join(dir, "config.yaml"),
				"credentials": filepath.Join(dir, "credentials"),
			}, func() {
				fmt.Fprintln(a.out.Out, dir)
			})
		},
	})
	return root
}
