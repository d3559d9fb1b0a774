package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/andresmejia3/checkpoint/internal/gate/device"
	"github.com/andresmejia3/checkpoint/internal/utils"
)

var deviceSerialPort string

var deviceCmd = &cobra.Command{
	Use:   "device-sim",
	Short: "Emulate the gate controller board for bench testing",
	Long: "Runs a software gate controller that answers the same commands as the real board.\n" +
		"With --serial it listens on that port (e.g. one end of a socat pty pair); otherwise it joins the MQTT broker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDevice(cmd.Context())
	},
}

func init() {
	deviceCmd.Flags().StringVar(&deviceSerialPort, "serial", "", "Serve the serial protocol on this port instead of MQTT")
	rootCmd.AddCommand(deviceCmd)
}

func runDevice(ctx context.Context) error {
	d := device.New(device.Config{
		OpenDuration: Cfg.Gate.OpenDuration,
		TickInterval: device.DefaultConfig().TickInterval,
	}, device.WithLogger(slog.Default()))

	if deviceSerialPort == "" {
		mc := Cfg.MQTTTransportConfig()
		mc.ClientID += "-device"
		fmt.Fprintf(os.Stderr, "🔌 Device listening on %s (%s)\n", mc.Broker, mc.CommandTopic)
		return d.ServeMQTT(ctx, mc)
	}

	port, err := serial.Open(deviceSerialPort, &serial.Mode{BaudRate: Cfg.Serial.Baud})
	if err != nil {
		utils.Die("Failed to open serial port "+deviceSerialPort, err, nil)
	}
	go func() {
		<-ctx.Done()
		port.Close()
	}()
	fmt.Fprintf(os.Stderr, "🔌 Device listening on %s @ %d baud\n", deviceSerialPort, Cfg.Serial.Baud)
	if err := d.ServeLines(ctx, port); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
