package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/coldeye/internal/api/client"
	"github.com/coldeye/internal/auth"
	"github.com/coldeye/internal/config"
	"github.com/coldeye/internal/models"
	"github.com/spf13/cobra"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Alert rules, notification policies and contacts",
	}

	cmd.AddCommand(newConfigImportCommand())
	cmd.AddCommand(newConfigExportCommand())
	cmd.AddCommand(newConfigEnableChannelCommand())

	return cmd
}

func newConfigImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import a YAML or JSON configuration bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			if err := c.ImportConfig(data); err != nil {
				return fmt.Errorf("failed to import bundle: %w", err)
			}
			fmt.Printf("Imported %s\n", args[0])
			return nil
		},
	}
}

func newConfigExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the configuration bundle as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			if err := c.ExportConfig(out); err != nil {
				return fmt.Errorf("failed to export bundle: %w", err)
			}
			if output != "" {
				fmt.Printf("Configuration exported to %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newConfigEnableChannelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable-channel [policy_key] [channel]",
		Short: "Re-enable a channel disabled after a permanent delivery failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			if err := c.EnableChannel(args[0], models.Channel(args[1])); err != nil {
				return fmt.Errorf("failed to enable channel: %w", err)
			}
			fmt.Printf("Channel %s enabled for %s\n", args[1], args[0])
			return nil
		},
	}
}

func NewNoticeCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "notices",
		Short:   "List operator notices such as disabled channels",
		Aliases: []string{"notice"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			notices, err := c.Notices(all)
			if err != nil {
				return fmt.Errorf("failed to list notices: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tLEVEL\tTITLE\tCREATED")
			for _, n := range notices {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", n.ID, n.Level, n.Title, n.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include dismissed notices")

	cmd.AddCommand(&cobra.Command{
		Use:   "dismiss [notice_id]",
		Short: "Dismiss a notice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			if err := c.DismissNotice(id); err != nil {
				return fmt.Errorf("failed to dismiss notice: %w", err)
			}
			fmt.Printf("Notice %d dismissed\n", id)
			return nil
		},
	})

	return cmd
}

func NewIngestKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-key [name]",
		Short: "Provision an ingest key for a gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			key, err := c.CreateIngestKey(args[0])
			if err != nil {
				return fmt.Errorf("failed to create ingest key: %w", err)
			}
			fmt.Printf("Ingest key for %s (shown once):\n%s\n", args[0], key)
			return nil
		},
	}
}

// NewTokenCommand signs an API token locally with the server's JWT secret.
func NewTokenCommand() *cobra.Command {
	var (
		configPath string
		subject    string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token using the server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not configured")
			}
			r := models.Role(role)
			switch r {
			case models.RoleAdmin, models.RoleOperator, models.RoleViewer:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			token, err := auth.NewAuthenticator(cfg.Server.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(subject, r)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (user name)")
	cmd.Flags().StringVar(&role, "role", string(models.RoleOperator), "admin, operator or viewer")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
