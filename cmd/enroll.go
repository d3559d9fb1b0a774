package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/store"
	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

type enrollOptions struct {
	Options
	Passport  string
	FirstName string
	LastName  string
	Book      bool
}

var enrollOpts enrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <person_id>",
	Short: "Capture a face and store its encrypted identity vector",
	Long: "Captures a stable face sample from the camera (or a photo) and saves it under person_id.\n" +
		"With --passport the passenger is linked to the enrollment, created first if --first and --last are given.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateEnrollFlags(&enrollOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.ImagePath, "image", "i", "", "Enroll from a still photo instead of the camera")
	enrollCmd.Flags().IntVarP(&enrollOpts.StableFrames, "frames", "k", 0, "Consecutive good frames required (default: $STABLE_FRAMES)")
	enrollCmd.Flags().StringVar(&enrollOpts.Timeout, "timeout", "", "Give up after this long (default: $SESSION_TIMEOUT)")
	enrollCmd.Flags().StringVar(&enrollOpts.Passport, "passport", "", "Link the enrollment to the passenger with this passport number")
	enrollCmd.Flags().StringVar(&enrollOpts.FirstName, "first", "", "First name, creates the passenger if missing")
	enrollCmd.Flags().StringVar(&enrollOpts.LastName, "last", "", "Last name, creates the passenger if missing")
	enrollCmd.Flags().BoolVar(&enrollOpts.Book, "book", false, "Also book a new ticket for the passenger")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(opts *enrollOptions) error {
	if err := validateCheckInFlags(&opts.Options); err != nil {
		return err
	}
	if (opts.FirstName != "" || opts.LastName != "" || opts.Book) && opts.Passport == "" {
		return errors.New("--first, --last and --book require --passport")
	}
	if (opts.FirstName == "") != (opts.LastName == "") {
		return errors.New("--first and --last must be given together")
	}
	return nil
}

func runEnroll(ctx context.Context, personID string, opts enrollOptions) error {
	var tickets checkin.Tickets
	var passenger types.Passenger
	if opts.Passport != "" {
		db, err := connectDB(ctx)
		if err != nil {
			utils.ShowError("Ticket database unavailable", err, nil)
			return err
		}
		passenger, err = findOrCreatePassenger(ctx, db, opts)
		if err != nil {
			utils.ShowError("Failed to resolve passenger", err, nil)
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
	c, w, err := startCodec(ctx)
	if err != nil {
		return workerError("Failed to start face engine", err, w)
	}
	defer w.Close()

	cfg := checkInConfig(opts.Options)
	bar := progressbar.NewOptions(cfg.Capture.K,
		progressbar.OptionSetDescription("📷 Hold still"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	o := checkin.New(cfg, c, v, tickets, nil,
		checkin.WithAudit(rec),
		checkin.WithProgress(func(p capture.Progress) { bar.Set(p.Window) }),
	)

	var vec types.IdentityVector
	if opts.ImagePath != "" {
		frame, err := loadStill(opts.ImagePath)
		if err != nil {
			utils.ShowError("Failed to read image", err, nil)
			return err
		}
		vec, err = o.EnrollStill(ctx, personID, passenger.ID, frame)
		if err != nil {
			return workerError("Enrollment failed", err, w)
		}
	} else {
		camCtx, stopCam := context.WithCancel(ctx)
		defer stopCam()
		fmt.Fprintln(os.Stderr, "🙂 Look at the camera...")
		vec, err = o.Enroll(ctx, personID, passenger.ID, startCamera(camCtx))
		if err != nil {
			return workerError("Enrollment failed", err, w)
		}
	}
	bar.Finish()

	fmt.Printf("✅ Enrolled %s (%d-d vector)\n", personID, vec.Dim())
	if passenger.ID != 0 {
		fmt.Printf("🔗 Linked to %s (passport %s)\n", passenger.FullName(), passenger.PassportNumber)
	}

	if opts.Book {
		t, err := DB.CreateTicket(ctx, passenger.ID)
		if err != nil {
			utils.ShowError("Failed to book ticket", err, nil)
			return err
		}
		fmt.Printf("🎫 Booked ticket %s\n", t.TicketNumber)
	}
	return nil
}

func findOrCreatePassenger(ctx context.Context, db *store.Store, opts enrollOptions) (types.Passenger, error) {
	p, err := db.GetPassengerByPassport(ctx, opts.Passport)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) || opts.FirstName == "" {
		return types.Passenger{}, fmt.Errorf("passport %s: %w", opts.Passport, err)
	}
	p, err = db.CreatePassenger(ctx, opts.FirstName, opts.LastName, opts.Passport)
	if err != nil {
		return types.Passenger{}, err
	}
	fmt.Fprintf(os.Stderr, "👤 Created passenger %s\n", p.FullName())
	return p, nil
}
