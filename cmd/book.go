package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/store"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var (
	bookFirst string
	bookLast  string
)

var bookCmd = &cobra.Command{
	Use:   "book <passport>",
	Short: "Book a ticket for a passenger, creating the passenger if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (bookFirst == "") != (bookLast == "") {
			return errors.New("--first and --last must be given together")
		}
		cmd.SilenceUsage = true
		return runBook(cmd.Context(), args[0])
	},
}

func init() {
	bookCmd.Flags().StringVar(&bookFirst, "first", "", "First name for a new passenger")
	bookCmd.Flags().StringVar(&bookLast, "last", "", "Last name for a new passenger")
	rootCmd.AddCommand(bookCmd)
}

func runBook(ctx context.Context, passport string) error {
	db, err := connectDB(ctx)
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}
	p, err := findOrCreatePassenger(ctx, db, enrollOptions{Passport: passport, FirstName: bookFirst, LastName: bookLast})
	if errors.Is(err, store.ErrNotFound) {
		err = fmt.Errorf("%w: pass --first and --last to create the passenger", err)
	}
	if err != nil {
		utils.ShowError("Failed to resolve passenger", err, nil)
		return err
	}

	t, err := db.CreateTicket(ctx, p.ID)
	if err != nil {
		utils.ShowError("Failed to book ticket", err, nil)
		return err
	}
	fmt.Printf("🎫 Booked ticket %s for %s\n", t.TicketNumber, p.FullName())
	if p.FaceRef == "" {
		fmt.Println("   Passenger has no enrolled face yet; run `checkpoint enroll` or `checkpoint link`.")
	}
	return nil
}
