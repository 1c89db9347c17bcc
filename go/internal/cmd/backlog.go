package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(backlogCmd)
	backlogCmd.AddCommand(backlogListCmd, backlogDrainCmd, backlogClearCmd)
}

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Inspect and replay queued responses",
}

var backlogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued responses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		services, err := setupServices(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer services.Close()

		pending := services.Backlog.Pending()
		if len(pending) == 0 {
			fmt.Println("No queued responses.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tCUE\tSESSION\tQUEUED")
		for _, a := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID,
				a.Kind,
				a.CueID,
				a.SessionID,
				a.EnqueuedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var backlogDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued responses against the endpoints once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		services, err := setupServices(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer services.Close()

		report := services.Submitter.Drain(cmd.Context())
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.Stopped {
			return fmt.Errorf("drain stopped: %s", report.Reason)
		}
		return nil
	},
}

var backlogClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		services, err := setupServices(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer services.Close()

		n := services.Backlog.Len()
		if err := services.Backlog.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear backlog: %w", err)
		}
		fmt.Printf("Discarded %d queued responses.\n", n)
		return nil
	},
}
