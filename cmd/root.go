package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "systemd-mqtt",
	Short: "systemd-mqtt — control and monitor a systemd host over MQTT",
	Long: `systemd-mqtt connects a Linux host to an MQTT broker and maps command
topics to systemd operations: power off, reboot, suspend, session locking
and unit starts.

While connected, it holds a logind delay lock so that an impending
shutdown is reported to the broker before the system goes down.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
