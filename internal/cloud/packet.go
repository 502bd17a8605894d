package cloud

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
)

// Control packets are strings of hex nibbles. The framing was recovered
// from the vendor app's traffic; field meanings follow from observing
// the device. Three packets matter:
//
//	query:   asks the device to report all registers
//	off:     turns the fan off without touching other settings
//	command: sets speed, direction and oscillation while on
//
// Several nibbles are inverted on the wire relative to their obvious
// reading. Power 0 means on, and the oscillation nibble 0 means
// oscillating. The codec keeps those quirks contained here.
const (
	// queryPacket requests every register the fan reports.
	queryPacket = "0A00800000F00000F10000F20000F80000F90000FA0000FB00008600008800"

	// offPacket powers the fan down. Speed and mode registers keep
	// their values, which is why a later power-on resumes as before.
	offPacket = "060093014200FD010400FC013000FE01400080013100FA043140FFFF"

	// statusHeader opens every query response.
	statusHeader = "0A0080013"

	// commandHeader and commandTrailer frame a SET while powered on.
	commandHeader  = "090093014200FD010400FC013000FE014000800130"
	commandTrailer = "00F804FF31FFFF"

	// Register prefixes inside both responses and commands.
	speedPrefix       = "00F0013"
	directionPrefix   = "00F1014"
	oscillationPrefix = "00F2013"
)

// Offsets of the value nibbles in a status packet.
const (
	powerNibbleAt       = 9
	speedNibbleAt       = 17
	directionNibbleAt   = 25
	oscillationNibbleAt = 33

	// minStatusLength is the shortest packet the decoder accepts:
	// everything up to and including the oscillation nibble.
	minStatusLength = oscillationNibbleAt + 1
)

// encodeCommand builds the SET packet for a desired state.
//
// Speed must be valid even when powering off; the device rejects
// nothing, but an out-of-range nibble would corrupt the register.
//
// Parameters:
//   - state: Desired full state
//
// Returns:
//   - string: Hex nibble packet for a deviceControls SET
//   - error: fan.ErrInvalidSpeed if speed is out of range
func encodeCommand(state fan.State) (string, error) {
	if err := fan.ValidateSpeed(state.Speed); err != nil {
		return "", err
	}

	if !state.Power {
		return offPacket, nil
	}

	speedNibble := strings.ToUpper(strconv.FormatInt(int64(state.Speed), 16))
	directionNibble := "1"
	if state.Direction == fan.DirectionReverse {
		directionNibble = "2"
	}
	oscillationNibble := "1"
	if state.Oscillation {
		oscillationNibble = "0"
	}

	var b strings.Builder
	b.WriteString(commandHeader)
	b.WriteString(speedPrefix)
	b.WriteString(speedNibble)
	b.WriteString(directionPrefix)
	b.WriteString(directionNibble)
	b.WriteString(oscillationPrefix)
	b.WriteString(oscillationNibble)
	b.WriteString(commandTrailer)
	return b.String(), nil
}

// decodeStatePacket parses a query response into a fan state.
//
// The packet carries more registers than the bridge uses (timers,
// filter counters); only the leading power, speed, direction and
// oscillation fields are read. Revision is left zero; the caller
// stamps it from the control record's completed_at.
//
// Parameters:
//   - packet: Hex nibble payload from a completed GET control
//
// Returns:
//   - fan.State: Decoded state
//   - error: ErrBadPacket (wrapped with detail) if framing is wrong
func decodeStatePacket(packet string) (fan.State, error) {
	if len(packet) < minStatusLength {
		return fan.State{}, fmt.Errorf("%w: %d nibbles, need %d", ErrBadPacket, len(packet), minStatusLength)
	}

	if packet[:powerNibbleAt] != statusHeader {
		return fan.State{}, fmt.Errorf("%w: unknown header %q", ErrBadPacket, packet[:powerNibbleAt])
	}

	var state fan.State

	// Power nibble is inverted: 0 reads as on.
	switch packet[powerNibbleAt] {
	case '0':
		state.Power = true
	case '1':
		state.Power = false
	default:
		return fan.State{}, fmt.Errorf("%w: unknown power nibble %q", ErrBadPacket, packet[powerNibbleAt])
	}

	if prefix := packet[powerNibbleAt+1 : speedNibbleAt]; prefix != speedPrefix {
		return fan.State{}, fmt.Errorf("%w: unknown speed prefix %q", ErrBadPacket, prefix)
	}
	speed, err := strconv.ParseInt(string(packet[speedNibbleAt]), 16, 0)
	if err != nil {
		return fan.State{}, fmt.Errorf("%w: speed nibble %q", ErrBadPacket, packet[speedNibbleAt])
	}
	state.Speed = int(speed)

	if prefix := packet[speedNibbleAt+1 : directionNibbleAt]; prefix != directionPrefix {
		return fan.State{}, fmt.Errorf("%w: unknown direction prefix %q", ErrBadPacket, prefix)
	}
	if packet[directionNibbleAt] == '2' {
		state.Direction = fan.DirectionReverse
	} else {
		state.Direction = fan.DirectionForward
	}

	if prefix := packet[directionNibbleAt+1 : oscillationNibbleAt]; prefix != oscillationPrefix {
		return fan.State{}, fmt.Errorf("%w: unknown oscillation prefix %q", ErrBadPacket, prefix)
	}
	// Oscillation nibble is inverted: 0 reads as oscillating.
	state.Oscillation = packet[oscillationNibbleAt] == '0'

	return state, nil
}
