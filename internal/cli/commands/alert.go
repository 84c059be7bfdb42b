package commands

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/coldeye/internal/api/client"
	"github.com/coldeye/internal/models"
	"github.com/spf13/cobra"
)

func NewAlertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alert",
		Short:   "Alert management commands",
		Aliases: []string{"alerts", "a"},
	}

	cmd.AddCommand(newAlertListCommand())
	cmd.AddCommand(newAlertComputedCommand())
	cmd.AddCommand(newAlertAcknowledgeCommand())
	cmd.AddCommand(newAlertResolveCommand())

	return cmd
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return uint(id), nil
}

func newAlertListCommand() *cobra.Command {
	var (
		status string
		unitID uint
		active bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List alerts",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			alerts, err := c.ListAlerts(client.AlertFilter{
				Status: models.AlertStatus(status),
				UnitID: unitID,
				Active: active,
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tUNIT\tTYPE\tSEVERITY\tSTATUS\tLEVEL\tTRIGGERED")
			for _, a := range alerts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					a.ID,
					a.UnitName,
					a.Type,
					a.Severity,
					a.Status,
					a.EscalationLevel,
					a.TriggeredAt.Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (triggered/sent/escalated/acknowledged/resolved)")
	cmd.Flags().UintVar(&unitID, "unit", 0, "Filter by unit id")
	cmd.Flags().BoolVar(&active, "active", false, "Only alerts that are not resolved")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of alerts")

	return cmd
}

func newAlertComputedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "computed",
		Short: "Show the alerts computed by the latest evaluation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			out, err := c.Computed()
			if err != nil {
				return fmt.Errorf("failed to fetch computed alerts: %w", err)
			}

			s := out.Summary
			fmt.Printf("Evaluated %s: %d alerts (%d critical, %d warning), %d units ok, %d with alerts\n\n",
				out.EvaluatedAt.Format(time.RFC3339), s.Total, s.Critical, s.Warning, s.UnitsOK, s.UnitsWithAlerts)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "UNIT\tTYPE\tSEVERITY\tTITLE")
			for _, a := range out.Alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.UnitName, a.Type, a.Severity, a.Title)
			}
			return w.Flush()
		},
	}
}

func newAlertAcknowledgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "acknowledge [alert_id]",
		Short:   "Acknowledge an alert and stop its escalation",
		Aliases: []string{"ack"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			a, err := c.AcknowledgeAlert(id)
			if err != nil {
				return fmt.Errorf("failed to acknowledge alert: %w", err)
			}

			fmt.Printf("Alert %d acknowledged by %s\n", a.ID, a.AcknowledgedBy)
			return nil
		},
	}
}

func newAlertResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [alert_id]",
		Short: "Resolve an alert",
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

			if _, err := c.ResolveAlert(id); err != nil {
				return fmt.Errorf("failed to resolve alert: %w", err)
			}

			fmt.Printf("Alert %d resolved\n", id)
			return nil
		},
	}
}
