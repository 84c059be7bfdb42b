package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/coldeye/internal/api/client"
	"github.com/spf13/cobra"
)

func NewUnitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "unit",
		Short:   "Storage unit commands",
		Aliases: []string{"units", "u"},
	}

	cmd.AddCommand(newUnitListCommand())
	cmd.AddCommand(newUnitReadingsCommand())
	cmd.AddCommand(newUnitLogCommand())

	return cmd
}

func formatTemp(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func newUnitListCommand() *cobra.Command {
	var (
		siteID uint
		status string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List units and their status",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			units, err := c.ListUnits(siteID, status)
			if err != nil {
				return fmt.Errorf("failed to list units: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTEMP\tRANGE\tDOOR\tLAST READING")
			for _, u := range units {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.1f-%.1f %s\t%s\t%s\n",
					u.ID,
					u.Name,
					u.Status,
					formatTemp(u.LastTemperature),
					u.TempMin, u.TempMax, u.TempUnit,
					u.DoorState,
					formatTime(u.LastReadingAt),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().UintVar(&siteID, "site", 0, "Filter by site id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by unit status")
	return cmd
}

func newUnitReadingsCommand() *cobra.Command {
	var (
		from  string
		to    string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "readings [unit_id]",
		Short: "Show recent readings for a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var fromTime, toTime *time.Time
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid from time: %w", err)
				}
				fromTime = &t
			}
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("invalid to time: %w", err)
				}
				toTime = &t
			}

			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			readings, err := c.Readings(id, fromTime, toTime, limit)
			if err != nil {
				return fmt.Errorf("failed to get readings: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "RECORDED\tTEMP\tDOOR\tBATTERY\tSOURCE")
			for _, r := range readings {
				door := "-"
				if r.DoorState != nil {
					door = string(*r.DoorState)
				}
				fmt.Fprintf(w, "%s\t%.1f\t%s\t%s\t%s\n",
					r.RecordedAt.Format(time.RFC3339),
					r.Temperature,
					door,
					formatTemp(r.Battery),
					r.Source,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Start time (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "End time (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of readings")
	return cmd
}

func newUnitLogCommand() *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "log [unit_id] [temperature]",
		Short: "Record a manual temperature log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var temp float64
			if _, err := fmt.Sscanf(args[1], "%g", &temp); err != nil {
				return fmt.Errorf("invalid temperature %q", args[1])
			}

			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			log, err := c.LogManual(id, temp, notes)
			if err != nil {
				return fmt.Errorf("failed to record manual log: %w", err)
			}

			fmt.Printf("Logged %.1f for unit %d at %s\n", log.Temperature, id, log.RecordedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Optional note")
	return cmd
}
