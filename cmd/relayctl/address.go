package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"locker-control-backend/internal/modbus"
	"locker-control-backend/internal/parse"
)

var (
	scanAddresses string
	readAddress   int
	setFrom       int
	setTo         int
)

// scanHit is one card that answered during a scan.
type scanHit struct {
	Address int    `json:"address"`
	Stored  int    `json:"stored_address,omitempty"`
	Note    string `json:"note,omitempty"`
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find relay cards on the bus",
	Long:  `Ask every address in --addresses for its stored slave address and list the cards that answer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addrs, err := parse.ParseList(scanAddresses, 1, 247)
		if err != nil {
			return fmt.Errorf("--addresses: %w", err)
		}
		kc, err := kioskConfig(cmd, addrs[0], 16)
		if err != nil {
			return err
		}
		link, client := openBus(kc)
		defer link.Close()

		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "Scanning %d address(es) on %s...\n", len(addrs), kc.Serial.Port)
		}
		hits := make([]scanHit, 0)
		for _, a := range addrs {
			stored, err := client.ReadSlaveAddress(cmd.Context(), byte(a))
			var exc *modbus.ExceptionError
			switch {
			case err == nil:
				hits = append(hits, scanHit{Address: a, Stored: int(stored)})
			case errors.As(err, &exc):
				hits = append(hits, scanHit{Address: a, Note: "answers, address register unsupported: " + exc.Error()})
			case errors.Is(err, modbus.ErrPortUnavailable):
				return err
			}
		}

		return printResult(out, hits, func() {
			for _, h := range hits {
				if h.Note != "" {
					fmt.Fprintf(out, "  %3d  %s\n", h.Address, h.Note)
				} else {
					fmt.Fprintf(out, "  %3d  stored address %d\n", h.Address, h.Stored)
				}
			}
			fmt.Fprintf(out, "%d card(s) found\n", len(hits))
		})
	},
}

var readAddressCmd = &cobra.Command{
	Use:   "read-address",
	Short: "Read the slave address stored on a card",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := kioskConfig(cmd, readAddress, 16)
		if err != nil {
			return err
		}
		link, client := openBus(kc)
		defer link.Close()

		stored, err := client.ReadSlaveAddress(cmd.Context(), byte(readAddress))
		if err != nil {
			return fmt.Errorf("read address of card %d: %w", readAddress, err)
		}
		out := cmd.OutOrStdout()
		return printResult(out, scanHit{Address: readAddress, Stored: int(stored)}, func() {
			fmt.Fprintf(out, "card %d stores slave address %d\n", readAddress, stored)
		})
	},
}

var setAddressCmd = &cobra.Command{
	Use:   "set-address",
	Short: "Change a card's slave address",
	Long: `Write a new slave address to a card and read it back at the new address.
With --from 0 the write is broadcast; only one card may be on the bus then.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if setFrom < 0 || setFrom > 247 {
			return fmt.Errorf("--from must be in [0,247]")
		}
		if setTo < 1 || setTo > 247 {
			return fmt.Errorf("--to must be in [1,247]")
		}
		kc, err := kioskConfig(cmd, setTo, 16)
		if err != nil {
			return err
		}
		link, client := openBus(kc)
		defer link.Close()
		ctx := cmd.Context()

		if setFrom == 0 {
			if err := modbus.BroadcastSlaveAddress(ctx, link, byte(setTo)); err != nil {
				return fmt.Errorf("broadcast new address: %w", err)
			}
			// Slaves store the address before they listen again.
			time.Sleep(100 * time.Millisecond)
		} else if err := client.SetSlaveAddress(ctx, byte(setFrom), byte(setTo)); err != nil {
			return fmt.Errorf("set address of card %d: %w", setFrom, err)
		}

		stored, err := client.ReadSlaveAddress(ctx, byte(setTo))
		if err != nil {
			return fmt.Errorf("address change not confirmed at %d: %w", setTo, err)
		}
		if int(stored) != setTo {
			return fmt.Errorf("card at %d reports stored address %d", setTo, stored)
		}
		out := cmd.OutOrStdout()
		return printResult(out, scanHit{Address: setTo, Stored: int(stored)}, func() {
			fmt.Fprintf(out, "card now answers at address %d\n", setTo)
		})
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanAddresses, "addresses", "1-16", "addresses to probe, e.g. 1-10,20")
	readAddressCmd.Flags().IntVar(&readAddress, "address", 1, "card address to query")
	setAddressCmd.Flags().IntVar(&setFrom, "from", 0, "current address, 0 to broadcast")
	setAddressCmd.Flags().IntVar(&setTo, "to", 0, "new address")
	_ = setAddressCmd.MarkFlagRequired("to")
}
