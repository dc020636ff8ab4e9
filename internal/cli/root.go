// Package cli provides the command-line interface for cfkit.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/treykane/cfkit/internal/ui"
)

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cfkit",
		Short:         "Cloudflare tunnel lifecycle manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			return ui.Run(cmd.Context(), mgr, a.cfg)
		},
	}

	root.PersistentFlags().StringVar(&a.credentialsFile, "credentials-file", "",
		"path to credentials file (KEY=VALUE with CLOUDFLARE_API_TOKEN, CF_ACCOUNT_ID, TUNNEL_TOKEN)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output JSON")

	root.AddCommand(newTunnelCmd(a))
	root.AddCommand(newDoctorCmd(a))
	root.AddCommand(newRawCmd(a))
	root.AddCommand(newConfigCmd(a))
	return root
}
