package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var forgetYes bool

var forgetCmd = &cobra.Command{
	Use:   "forget <person_id>",
	Short: "Delete an enrollment and unlink it from its passenger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !forgetYes && !confirm(bufio.NewReader(os.Stdin), fmt.Sprintf("⚠️  Delete the enrollment for %s?", args[0])) {
			fmt.Println("Aborted.")
			return nil
		}
		return runForget(cmd.Context(), args[0])
	},
}

func init() {
	forgetCmd.Flags().BoolVarP(&forgetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(forgetCmd)
}

func runForget(ctx context.Context, personID string) error {
	var tickets checkin.Tickets
	if Cfg.Database.URL != "" {
		db, err := connectDB(ctx)
		if err != nil {
			utils.ShowError("Ticket database unavailable", err, nil)
			return err
		}
		tickets = db
	}
	rec, closeAudit := newRecorder()
	defer closeAudit()

	v, err := openVault(nil, rec)
	if err != nil {
		utils.ShowError("Failed to open enrollment store", err, nil)
		return err
	}
	if !v.Exists(personID) {
		fmt.Printf("No enrollment for %s.\n", personID)
	}

	o := checkin.New(Cfg.CheckInConfig(), nil, v, tickets, nil, checkin.WithAudit(rec))
	if err := o.Forget(ctx, personID); err != nil {
		utils.ShowError("Failed to forget enrollment", err, nil)
		return err
	}
	fmt.Printf("🗑️  Forgot %s\n", personID)
	return nil
}
