package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

// Options holds flags shared by the face commands
type Options struct {
	ImagePath      string
	Ticket         string
	MatchThreshold float64
	StableFrames   int
	Timeout        string
	NoGate         bool
}

var checkinOpts Options

var checkinCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Run one check-in attempt from the camera, a photo, or a ticket number",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateCheckInFlags(&checkinOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runCheckIn(cmd.Context(), checkinOpts)
	},
}

func init() {
	checkinCmd.Flags().StringVarP(&checkinOpts.ImagePath, "image", "i", "", "Use a still photo instead of the camera")
	checkinCmd.Flags().StringVar(&checkinOpts.Ticket, "ticket", "", "Manual fallback: check in this ticket number without a face")
	checkinCmd.Flags().Float64VarP(&checkinOpts.MatchThreshold, "threshold", "t", 0, "Minimum match confidence (default: $MATCH_THRESHOLD)")
	checkinCmd.Flags().IntVarP(&checkinOpts.StableFrames, "frames", "k", 0, "Consecutive good frames required (default: $STABLE_FRAMES)")
	checkinCmd.Flags().StringVar(&checkinOpts.Timeout, "timeout", "", "Give up after this long, e.g. '90s' (default: $SESSION_TIMEOUT)")
	checkinCmd.Flags().BoolVar(&checkinOpts.NoGate, "no-gate", false, "Do not drive the gate controller")
	rootCmd.AddCommand(checkinCmd)
}

func validateCheckInFlags(opts *Options) error {
	if opts.ImagePath != "" && opts.Ticket != "" {
		return errors.New("--image and --ticket are mutually exclusive")
	}
	if opts.ImagePath != "" {
		info, err := os.Stat(opts.ImagePath)
		if err != nil {
			return fmt.Errorf("unable to access image: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("image path %s is a directory", opts.ImagePath)
		}
	}
	if opts.MatchThreshold < 0 || opts.MatchThreshold > 1.0 {
		return fmt.Errorf("invalid match threshold: must be between 0.0 and 1.0, got %f", opts.MatchThreshold)
	}
	if opts.StableFrames < 0 {
		return fmt.Errorf("invalid frame count: must be >= 1, got %d", opts.StableFrames)
	}
	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format (use '90s', '2m'): %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid timeout: must be positive, got %s", d)
		}
	}
	return nil
}

// checkInConfig applies the flag overrides to the configured defaults.
func checkInConfig(opts Options) checkin.Config {
	cfg := Cfg.CheckInConfig()
	if opts.MatchThreshold > 0 {
		cfg.Threshold = opts.MatchThreshold
	}
	if opts.StableFrames > 0 {
		cfg.Capture.K = opts.StableFrames
	}
	if opts.Timeout != "" {
		cfg.SessionTimeout, _ = time.ParseDuration(opts.Timeout)
	}
	return cfg
}

func runCheckIn(ctx context.Context, opts Options) error {
	db, err := connectDB(ctx)
	if err != nil {
		utils.ShowError("Ticket database unavailable", err, nil)
		return err
	}
	rec, closeAudit := newRecorder()
	defer closeAudit()

	var g checkin.Gate
	var ch *gate.Channel
	if !opts.NoGate {
		ch = newGateChannel(nil, rec)
		if err := ch.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Gate controller not reachable: %v\n", err)
		}
		defer settleGate(ch)
		g = ch
	}

	cfg := checkInConfig(opts)

	// Manual fallback needs no face engine
	if opts.Ticket != "" {
		o := checkin.New(cfg, nil, nil, db, g, checkin.WithAudit(rec))
		res, err := o.CheckInByTicket(ctx, opts.Ticket)
		return printResult(res, err)
	}

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

	var src capture.FrameSource
	if opts.ImagePath != "" {
		frame, err := loadStill(opts.ImagePath)
		if err != nil {
			utils.ShowError("Failed to read image", err, nil)
			return err
		}
		src = &stillSource{frame: frame, limit: cfg.Capture.K + 1}
	} else {
		camCtx, stopCam := context.WithCancel(ctx)
		defer stopCam()
		src = startCamera(camCtx)
	}

	bar := progressbar.NewOptions(cfg.Capture.K,
		progressbar.OptionSetDescription("📷 Hold still"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	o := checkin.New(cfg, c, v, db, g,
		checkin.WithAudit(rec),
		checkin.WithProgress(func(p capture.Progress) { bar.Set(p.Window) }),
		checkin.WithStateHook(func(s checkin.State) {
			if s == checkin.Matching {
				bar.Finish()
				fmt.Fprintln(os.Stderr, "🔍 Matching...")
			}
		}),
	)

	fmt.Fprintln(os.Stderr, "🙂 Look at the camera...")
	res, err := o.CheckIn(ctx, src)
	if res.Reason == checkin.ReasonError {
		return workerError("Check-in failed", err, w)
	}
	return printResult(res, err)
}

func printResult(res checkin.Result, err error) error {
	switch res.State {
	case checkin.Success:
		fmt.Printf("✅ Welcome %s\n", res.Passenger.FullName())
		fmt.Printf("   Ticket %s  Seat %s  Gate %s\n", res.Ticket.TicketNumber, res.Ticket.Seat, res.Ticket.Gate)
		if res.Match.Matched {
			fmt.Printf("   Confidence %s\n", fmtConfidence(res.Match.Confidence))
		}
	case checkin.Cancelled:
		fmt.Printf("⏹️  Check-in cancelled (%s)\n", res.Reason)
	default:
		fmt.Printf("❌ Check-in failed: %s\n", describeReason(res.Reason))
		if res.Reason == checkin.ReasonNoMatch {
			fmt.Printf("   Best confidence %s. Try again or enter your ticket number.\n", fmtConfidence(res.Match.Confidence))
		}
	}
	if err == nil {
		err = res.Err()
	}
	return err
}

func describeReason(r checkin.Reason) string {
	switch r {
	case checkin.ReasonNoMatch:
		return "face not recognised"
	case checkin.ReasonAmbiguousMatch:
		return "face matches more than one enrollment"
	case checkin.ReasonNoBookedTicket:
		return "no booked ticket to check in"
	case checkin.ReasonCommitFailed:
		return "ticket could not be updated"
	default:
		return string(r)
	}
}

func fmtConfidence(c float64) string {
	return fmt.Sprintf("%.1f%%", c*100)
}
