package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var gateWait time.Duration

var gateCmd = &cobra.Command{
	Use:   "gate <command>",
	Short: "Send one command to the gate controller and print its status",
	Long: "Sends a raw controller command over the configured link (MQTT first, serial fallback).\n" +
		"Commands: " + commandList() + ".\n" +
		"OPEN_GATE is closed again by the local fail-safe before the command exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := gate.ParseCommand(args[0])
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runGate(cmd.Context(), c)
	},
}

func init() {
	gateCmd.Flags().DurationVar(&gateWait, "wait", 500*time.Millisecond, "How long to wait for a device report before printing status")
	rootCmd.AddCommand(gateCmd)
}

func commandList() string {
	names := make([]string, 0, len(gate.Commands()))
	for _, c := range gate.Commands() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func runGate(ctx context.Context, c gate.Command) error {
	rec, closeAudit := newRecorder()
	defer closeAudit()

	ch := newGateChannel(nil, rec)
	if err := ch.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Some gate transports are down: %v\n", err)
	}
	defer settleGate(ch)

	if err := ch.Send(ctx, c); err != nil {
		utils.ShowError("Gate command failed", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📨 Sent %s\n", c)

	select {
	case <-time.After(gateWait):
	case <-ctx.Done():
	}

	out, _ := json.MarshalIndent(ch.Status(), "", "  ")
	fmt.Println(string(out))
	return nil
}
