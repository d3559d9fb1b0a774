package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/codec"
	"github.com/andresmejia3/checkpoint/internal/match"
	"github.com/andresmejia3/checkpoint/internal/types"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var (
	identifyOpts Options
	identifyTop  int
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match a photo against the enrolled faces without checking anyone in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identifyOpts.ImagePath = args[0]
		if err := validateCheckInFlags(&identifyOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), identifyOpts)
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyOpts.MatchThreshold, "threshold", "t", 0, "Minimum match confidence (default: $MATCH_THRESHOLD)")
	identifyCmd.Flags().IntVarP(&identifyTop, "top", "n", 5, "Number of nearest enrollments to show")
	rootCmd.AddCommand(identifyCmd)
}

type candidate struct {
	PersonID   string
	Distance   float64
	Confidence float64
}

func runIdentify(ctx context.Context, opts Options) error {
	frame, err := loadStill(opts.ImagePath)
	if err != nil {
		utils.ShowError("Failed to read image", err, nil)
		return err
	}
	v, err := openVault(nil, nil)
	if err != nil {
		utils.ShowError("Failed to open enrollment store", err, nil)
		return err
	}
	corpus, err := v.LoadAll()
	if err != nil {
		utils.ShowError("Failed to load enrollments", err, nil)
		return err
	}

	c, w, err := startCodec(ctx)
	if err != nil {
		return workerError("Failed to start face engine", err, w)
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	region, err := c.Detect(frame)
	if errors.Is(err, codec.ErrNoFaceDetected) {
		fmt.Println("❌ No usable face detected in the provided image.")
		return nil
	}
	if err != nil {
		return workerError("Face detection failed", err, w)
	}
	probe, err := c.Encode(frame, region)
	if err != nil {
		return workerError("Face encoding failed", err, w)
	}

	threshold := checkInConfig(opts).Threshold
	res, err := match.Match(probe, corpus, threshold)
	switch {
	case errors.Is(err, match.ErrAmbiguousMatch):
		fmt.Println("⚠️  Ambiguous: more than one enrollment is equally close.")
	case err != nil:
		utils.ShowError("Match failed", err, nil)
		return err
	case res.Matched:
		fmt.Printf("✅ Found Match: %s (confidence %s)\n", res.PersonID, fmtConfidence(res.Confidence))
	default:
		fmt.Printf("❌ No match above %s (distance <= %.2f). Best confidence %s.\n",
			fmtConfidence(threshold), match.DistanceCutoff(threshold), fmtConfidence(res.Confidence))
	}

	cands := nearest(probe, corpus, identifyTop)
	if len(cands) == 0 {
		return nil
	}
	out := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(out, "\nPERSON\tDISTANCE\tCONFIDENCE")
	fmt.Fprintln(out, "------\t--------\t----------")
	for _, cand := range cands {
		fmt.Fprintf(out, "%s\t%.4f\t%s\n", cand.PersonID, cand.Distance, fmtConfidence(cand.Confidence))
	}
	return out.Flush()
}

// nearest ranks the corpus by distance to probe. Entries of a different
// dimension are skipped.
func nearest(probe types.IdentityVector, corpus map[string]types.IdentityVector, n int) []candidate {
	cands := make([]candidate, 0, len(corpus))
	for id, vec := range corpus {
		d, err := match.Distance(probe, vec)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{PersonID: id, Distance: d, Confidence: match.Confidence(d)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if math.Abs(cands[i].Distance-cands[j].Distance) > match.TieEpsilon {
			return cands[i].Distance < cands[j].Distance
		}
		return cands[i].PersonID < cands[j].PersonID
	})
	if n > 0 && len(cands) > n {
		cands = cands[:n]
	}
	return cands
}
