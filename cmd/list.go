package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/utils"
)

var (
	listTickets bool
	listAudit   int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled faces, or tickets and audit events from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		switch {
		case listTickets:
			return runListTickets(cmd)
		case listAudit > 0:
			return runListAudit(cmd)
		default:
			return runListEnrollments()
		}
	},
}

func init() {
	listCmd.Flags().BoolVar(&listTickets, "tickets", false, "List tickets instead of enrollments")
	listCmd.Flags().IntVar(&listAudit, "audit", 0, "List the N most recent audit events")
	rootCmd.AddCommand(listCmd)
}

func runListEnrollments() error {
	v, err := openVault(nil, nil)
	if err != nil {
		utils.ShowError("Failed to open enrollment store", err, nil)
		return err
	}
	records, err := v.List()
	if err != nil {
		utils.ShowError("Failed to list enrollments", err, nil)
		return err
	}
	if len(records) == 0 {
		fmt.Println("No enrollments found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PERSON\tDIM\tENROLLED")
	fmt.Fprintln(w, "------\t---\t--------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.PersonID, r.Dim, fmtStamp(r.CreatedAt))
	}
	return w.Flush()
}

func runListTickets(cmd *cobra.Command) error {
	db, err := connectDB(cmd.Context())
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}
	tickets, err := db.ListTickets(cmd.Context())
	if err != nil {
		utils.ShowError("Failed to list tickets", err, nil)
		return err
	}
	if len(tickets) == 0 {
		fmt.Println("No tickets found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TICKET\tPASSENGER\tSTATUS\tSEAT\tGATE\tCHECKED IN")
	fmt.Fprintln(w, "------\t---------\t------\t----\t----\t----------")
	for _, t := range tickets {
		checked := "-"
		if t.CheckedInAt != nil {
			checked = fmtStamp(*t.CheckedInAt)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", t.TicketNumber, t.PassengerID, t.Status, dash(t.Seat), dash(t.Gate), checked)
	}
	return w.Flush()
}

func runListAudit(cmd *cobra.Command) error {
	db, err := connectDB(cmd.Context())
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}
	events, err := db.RecentAuditEvents(cmd.Context(), listAudit)
	if err != nil {
		utils.ShowError("Failed to read audit log", err, nil)
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tTICKET\tPERSON\tOUTCOME\tDETAIL")
	fmt.Fprintln(w, "----\t-----\t------\t------\t-------\t------")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", fmtStamp(e.Timestamp), e.EventType, dash(e.TicketRef), dash(e.PersonRef), e.Outcome, e.Detail)
	}
	return w.Flush()
}

func fmtStamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
