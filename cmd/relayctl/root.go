package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"locker-control-backend/config"
	"locker-control-backend/internal/kiosk"
	"locker-control-backend/internal/modbus"
	"locker-control-backend/internal/relay"
)

var (
	jsonOutput bool
	configPath string
	kioskID    string
	portName   string
	baudRate   int
	parity     string
	timeoutMs  int

	rootCmd = &cobra.Command{
		Use:   "relayctl",
		Short: "Operate the RS-485 relay cards of a locker kiosk",
		Long: `relayctl talks Modbus RTU to the relay cards behind a kiosk. It can scan
the bus, read and change card slave addresses, pulse a locker and show coil
states. Serial settings come from flags or from a kiosk in the daemon config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// newOpener builds the port opener for the resolved serial settings.
// Tests replace it with a simulator.
var newOpener = func(s config.SerialConfig) modbus.Opener {
	if strings.HasPrefix(s.Port, kiosk.SimulatorPort) {
		return modbus.NewSimulator(16, 1).Opener()
	}
	return modbus.SerialOpener(modbus.SerialParams{
		Device:   s.Port,
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		Parity:   s.Parity,
		StopBits: s.StopBits,
	})
}

func init() {
	f := rootCmd.PersistentFlags()
	f.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	f.StringVar(&configPath, "config", "", "daemon config file to take serial settings and relay cards from")
	f.StringVar(&kioskID, "kiosk", "", "kiosk id in --config (default: the first kiosk)")
	f.StringVar(&portName, "port", "/dev/ttyUSB0", "serial device, or sim:// for the simulator")
	f.IntVar(&baudRate, "baud", 9600, "baud rate")
	f.StringVar(&parity, "parity", "N", "parity: N, E or O")
	f.IntVar(&timeoutMs, "timeout-ms", 500, "reply timeout per request")

	rootCmd.AddCommand(scanCmd, readAddressCmd, setAddressCmd, pulseCmd, statusCmd)
}

// kioskConfig resolves the kiosk the command works on: the one named in the
// config file, or a single-card kiosk built from flags. Explicit flags win.
func kioskConfig(cmd *cobra.Command, address, channels int) (config.KioskConfig, error) {
	var kc config.KioskConfig
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return kc, fmt.Errorf("load config: %w", err)
		}
		if len(cfg.Kiosks) == 0 {
			return kc, fmt.Errorf("%s defines no kiosks", configPath)
		}
		kc = cfg.Kiosks[0]
		if kioskID != "" {
			var ok bool
			if kc, ok = cfg.Kiosk(kioskID); !ok {
				return kc, fmt.Errorf("kiosk %q not in %s", kioskID, configPath)
			}
		}
	} else {
		kc = config.KioskConfig{
			ID:         "relayctl",
			RelayCards: []config.RelayCardConfig{{SlaveAddress: address, Channels: channels}},
		}
	}

	flags := cmd.Flags()
	if configPath == "" || flags.Changed("port") {
		kc.Serial.Port = portName
	}
	if configPath == "" || flags.Changed("baud") {
		kc.Serial.BaudRate = baudRate
	}
	if configPath == "" || flags.Changed("parity") {
		kc.Serial.Parity = parity
	}
	if configPath == "" || flags.Changed("timeout-ms") {
		kc.Serial.TimeoutMs = timeoutMs
	}

	wrapper := &config.Config{Kiosks: []config.KioskConfig{kc}}
	config.ApplyDefaults(wrapper)
	if err := wrapper.Validate(); err != nil {
		return kc, err
	}
	return wrapper.Kiosks[0], nil
}

// openBus creates a link and client for the kiosk's serial settings.
func openBus(kc config.KioskConfig) (*modbus.Link, *modbus.Client) {
	link := modbus.NewLink(newOpener(kc.Serial), modbus.LinkOptions{
		Timeout:  time.Duration(kc.Serial.TimeoutMs) * time.Millisecond,
		FrameGap: modbus.FrameGap(kc.Serial.BaudRate),
	})
	return link, modbus.NewClient(link)
}

// newController wraps a client in a relay controller for the kiosk's cards.
func newController(kc config.KioskConfig, client *modbus.Client, out io.Writer) *relay.Controller {
	sink := relay.SinkFunc(func(e relay.Event) {
		if !jsonOutput && e.Type == relay.EventOperationFailed {
			fmt.Fprintf(out, "  ! %s\n", e.Error)
		}
	})
	return relay.NewController(kc.ID, client, relay.LayoutFromConfig(kc.RelayCards), relay.OptionsFromConfig(kc.Hardware), sink)
}

// printResult writes v as JSON when --json is set, else calls text.
func printResult(out io.Writer, v any, text func()) error {
	if !jsonOutput {
		text()
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
