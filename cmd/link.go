package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/utils"
)

var linkCmd = &cobra.Command{
	Use:   "link <person_id> <passport>",
	Short: "Link an existing enrollment to a passenger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLink(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
}

func runLink(ctx context.Context, personID, passport string) error {
	v, err := openVault(nil, nil)
	if err != nil {
		utils.ShowError("Failed to open enrollment store", err, nil)
		return err
	}
	if !v.Exists(personID) {
		err := fmt.Errorf("no enrollment for %s", personID)
		utils.ShowError("Cannot link", err, nil)
		return err
	}

	db, err := connectDB(ctx)
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}
	p, err := db.GetPassengerByPassport(ctx, passport)
	if err != nil {
		utils.ShowError("Failed to find passenger", err, nil)
		return err
	}
	if err := db.SetFaceRef(ctx, p.ID, personID); err != nil {
		utils.ShowError("Failed to link passenger", err, nil)
		return err
	}

	fmt.Printf("✅ %s linked to %s (passport %s)\n", personID, p.FullName(), p.PassportNumber)
	return nil
}
