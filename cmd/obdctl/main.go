// Command obdctl talks to an ELM327-style OBD-II adapter over a Bluetooth
// Serial Port Profile link.
//
// Prerequisites (profile and socket transports)
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - The OBD adapter paired, or pairable without an agent prompt.
//
// Examples
//     obdctl check --address 00:1D:A5:68:98:8B
//     obdctl query --address 00:1D:A5:68:98:8B --init 0100 010C
//     obdctl shell --transport serial
//     obdctl config init
//
// Ctrl-C cancels the running operation via context.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
