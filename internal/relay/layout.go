package relay

import (
	"errors"
	"fmt"
	"sort"

	"locker-control-backend/config"
)

var (
	ErrUnknownLocker = errors.New("locker is not wired to a configured relay card")
	ErrCardDisabled  = errors.New("relay card is disabled")
)

// Layout maps 1-based locker ids onto (card address, channel). Cards sit on
// consecutive addresses starting at BaseAddress, ChannelsPerCard lockers each.
type Layout struct {
	BaseAddress     byte
	ChannelsPerCard int
	// Cards maps each configured slave address to its enabled flag.
	Cards map[byte]bool
}

// LayoutFromConfig builds the layout of one kiosk's relay cards.
func LayoutFromConfig(cards []config.RelayCardConfig) Layout {
	l := Layout{Cards: make(map[byte]bool, len(cards))}
	for i, c := range cards {
		addr := byte(c.SlaveAddress)
		if i == 0 || addr < l.BaseAddress {
			l.BaseAddress = addr
		}
		l.ChannelsPerCard = c.Channels
		l.Cards[addr] = c.IsEnabled()
	}
	return l
}

// Lockers is the number of addressable lockers.
func (l Layout) Lockers() int {
	return len(l.Cards) * l.ChannelsPerCard
}

// Resolve returns the card address and zero-based channel of a locker.
func (l Layout) Resolve(lockerID int) (byte, uint16, error) {
	if lockerID < 1 || l.ChannelsPerCard <= 0 {
		return 0, 0, fmt.Errorf("locker %d: %w", lockerID, ErrUnknownLocker)
	}
	idx := lockerID - 1
	addr := idx/l.ChannelsPerCard + int(l.BaseAddress)
	enabled, ok := l.Cards[byte(addr)]
	if addr > 247 || !ok {
		return 0, 0, fmt.Errorf("locker %d: %w", lockerID, ErrUnknownLocker)
	}
	if !enabled {
		return 0, 0, fmt.Errorf("locker %d (card %d): %w", lockerID, addr, ErrCardDisabled)
	}
	return byte(addr), uint16(idx % l.ChannelsPerCard), nil
}

// Disabled returns the ids of lockers wired to disabled cards, ascending.
func (l Layout) Disabled() []int {
	var ids []int
	for _, addr := range l.Addresses() {
		if l.Cards[addr] {
			continue
		}
		first := l.LockerID(addr, 0)
		for ch := 0; ch < l.ChannelsPerCard; ch++ {
			ids = append(ids, first+ch)
		}
	}
	return ids
}

// LockerID is the inverse of Resolve.
func (l Layout) LockerID(address byte, channel uint16) int {
	return int(address-l.BaseAddress)*l.ChannelsPerCard + int(channel) + 1
}

// Addresses returns the configured card addresses in ascending order.
func (l Layout) Addresses() []byte {
	out := make([]byte, 0, len(l.Cards))
	for a := range l.Cards {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
