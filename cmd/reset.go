package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var (
	resetDatabase bool
	resetFaces    bool
	resetTicket   string
	resetYes      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Enrollments) or a single ticket's check-in",
	Long: "Clears all data. By default, it resets everything. Use flags to clear specific components.\n" +
		"With --ticket only that ticket is moved back to BOOKED; nothing else is touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if resetTicket != "" {
			return runResetTicket(cmd, resetTicket)
		}

		// If no flags are set, default to clearing EVERYTHING
		if !resetDatabase && !resetFaces {
			resetDatabase = true
			resetFaces = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDatabase && (resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all database tables?")) {
			db, err := connectDB(cmd.Context())
			if err != nil {
				utils.ShowError("Ticket database unavailable", err, nil)
				return err
			}
			fmt.Println("🗑️  Clearing Database...")
			if err := db.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		if resetFaces && (resetYes || confirm(reader, "⚠️  Are you sure you want to delete all enrolled faces?")) {
			fmt.Println("🗑️  Clearing Enrollments...")
			removeDir(Cfg.Vault.Dir)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDatabase, "database", false, "Drop the passenger, ticket and audit tables")
	resetCmd.Flags().BoolVar(&resetFaces, "faces", false, "Delete every enrollment record (the key is kept)")
	resetCmd.Flags().StringVar(&resetTicket, "ticket", "", "Move this CHECKED_IN ticket back to BOOKED")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func runResetTicket(cmd *cobra.Command, number string) error {
	db, err := connectDB(cmd.Context())
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}
	rec, closeAudit := newRecorder()
	defer closeAudit()

	o := checkin.New(Cfg.CheckInConfig(), nil, nil, db, nil, checkin.WithAudit(rec))
	t, err := o.ResetCheckIn(cmd.Context(), number)
	if err != nil {
		utils.ShowError("Failed to reset check-in", err, nil)
		return err
	}
	fmt.Printf("↩️  Ticket %s is %s again\n", t.TicketNumber, t.Status)
	return nil
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
