package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"locker-control-backend/internal/relay"
)

var (
	cardAddress  int
	cardChannels int
	pulseLocker  int
)

var pulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Open one locker",
	Long: `Pulse the relay of --locker with the kiosk's pulse duration, retries and
single-coil fallback. Lockers are numbered across the cards from 1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := kioskConfig(cmd, cardAddress, cardChannels)
		if err != nil {
			return err
		}
		link, client := openBus(kc)
		defer link.Close()
		out := cmd.OutOrStdout()
		ctrl := newController(kc, client, out)

		addr, coil, err := ctrl.Layout().Resolve(pulseLocker)
		if err != nil {
			return err
		}
		if err := ctrl.OpenLocker(cmd.Context(), pulseLocker); err != nil {
			return err
		}
		result := map[string]int{"locker_id": pulseLocker, "address": int(addr), "channel": int(coil) + 1}
		return printResult(out, result, func() {
			fmt.Fprintf(out, "locker %d opened (card %d channel %d)\n", pulseLocker, addr, coil+1)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coil states of every card",
	RunE: func(cmd *cobra.Command, args []string) error {
		kc, err := kioskConfig(cmd, cardAddress, cardChannels)
		if err != nil {
			return err
		}
		link, client := openBus(kc)
		defer link.Close()
		out := cmd.OutOrStdout()
		ctrl := newController(kc, client, out)

		cards := ctrl.ProbeCards(cmd.Context())
		result := struct {
			Cards  []relay.CardStatus `json:"cards"`
			Health relay.Health       `json:"health"`
		}{cards, ctrl.Health()}

		return printResult(out, result, func() {
			for _, c := range cards {
				switch {
				case !c.Enabled:
					fmt.Fprintf(out, "card %3d  disabled\n", c.Address)
				case !c.Online:
					fmt.Fprintf(out, "card %3d  offline: %s\n", c.Address, c.Error)
				default:
					var on []int
					for i, v := range c.Coils {
						if v {
							on = append(on, i+1)
						}
					}
					fmt.Fprintf(out, "card %3d  online, %d channel(s), energized: %v\n", c.Address, len(c.Coils), on)
				}
			}
			fmt.Fprintf(out, "hardware %s\n", result.Health.Status)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{pulseCmd, statusCmd} {
		c.Flags().IntVar(&cardAddress, "address", 1, "card address when no --config is given")
		c.Flags().IntVar(&cardChannels, "channels", 16, "channels per card when no --config is given")
	}
	pulseCmd.Flags().IntVar(&pulseLocker, "locker", 0, "locker id to open")
	_ = pulseCmd.MarkFlagRequired("locker")
}
