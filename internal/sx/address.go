package sx

import (
	"fmt"
	"strconv"
	"strings"
)

// Bus and address limits.
const (
	// ChannelMin is the lowest SX channel.
	ChannelMin = 0

	// ChannelMax is the highest SX channel.
	ChannelMax = 111

	// ChannelCount is the number of channels held by a registry.
	ChannelCount = ChannelMax + 1

	// BitMin and BitMax bound the bit positions of a channel.
	BitMin = 1
	BitMax = 8

	// ExtendedMin and ExtendedMax bound extended addresses.
	ExtendedMin = 10
	ExtendedMax = 9999

	// PureVirtualBase is the lowest extended address without a physical channel.
	PureVirtualBase = (ChannelMax + 1) * 10

	// DataMin and DataMax bound the data of an extended address (2 bits).
	DataMin = 0
	DataMax = 3

	// ByteMax is the largest channel value.
	ByteMax = 255

	// Invalid marks a value or address that failed validation or was never set.
	Invalid = -1
)

// Connection status values.
const (
	StatusDisconnected = 0
	StatusConnected    = 1
)

// ChannelBit is the physical location of an extended address.
type ChannelBit struct {
	Channel int
	Bit     int
}

// String returns the location as "channel.bit".
func (cb ChannelBit) String() string {
	return fmt.Sprintf("%d.%d", cb.Channel, cb.Bit)
}

// Address returns the extended address of the location.
func (cb ChannelBit) Address() int {
	return Compose(cb.Channel, cb.Bit)
}

// parseInt parses a decimal integer, tolerating surrounding whitespace.
func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// ParseByte parses a channel value in [0,255].
//
// Returns:
//   - int: Parsed value, or Invalid
//   - error: ErrInvalidByte if s is not a number or out of range
func ParseByte(s string) (int, error) {
	v, err := parseInt(s)
	if err != nil || v < 0 || v > ByteMax {
		return Invalid, fmt.Errorf("%w: %q", ErrInvalidByte, s)
	}
	return v, nil
}

// ParseChannel parses an SX channel number in [0,111].
func ParseChannel(s string) (int, error) {
	v, err := parseInt(s)
	if err != nil || !IsValidChannel(v) {
		return Invalid, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return v, nil
}

// ParseExtendedAddress parses an extended address in [10,9999].
//
// Returns:
//   - int: Parsed address, or Invalid
//   - error: ErrInvalidAddress if s is not a number or out of range
func ParseExtendedAddress(s string) (int, error) {
	v, err := parseInt(s)
	if err != nil || !IsValidExtended(v) {
		return Invalid, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return v, nil
}

// ParseExtendedData parses extended-address data in [0,3].
func ParseExtendedData(s string) (int, error) {
	v, err := parseInt(s)
	if err != nil || v < DataMin || v > DataMax {
		return Invalid, fmt.Errorf("%w: %q", ErrInvalidData, s)
	}
	return v, nil
}

// IsValidChannel reports whether ch is in [0,111].
func IsValidChannel(ch int) bool {
	return ch >= ChannelMin && ch <= ChannelMax
}

// IsValidBit reports whether bit is in [1,8].
func IsValidBit(bit int) bool {
	return bit >= BitMin && bit <= BitMax
}

// IsValidExtended reports whether addr is in [10,9999].
func IsValidExtended(addr int) bool {
	return addr >= ExtendedMin && addr <= ExtendedMax
}

// IsPureVirtual reports whether addr lies above every physical channel.
func IsPureVirtual(addr int) bool {
	return addr >= PureVirtualBase
}

// Decompose splits an extended address into channel and bit.
//
// The result is only usable when ok is true: the channel must be in [0,111]
// and the bit in [1,8]. Addresses ending in 0 or 9, and pure virtual
// addresses, never decompose.
//
// Example:
//
//	cb, ok := sx.Decompose(811) // {Channel: 81, Bit: 1}, true
func Decompose(addr int) (cb ChannelBit, ok bool) {
	if addr < 0 {
		return ChannelBit{Channel: Invalid, Bit: Invalid}, false
	}
	cb = ChannelBit{Channel: addr / 10, Bit: addr % 10}
	return cb, IsValidChannel(cb.Channel) && IsValidBit(cb.Bit) && !IsPureVirtual(addr)
}

// Compose builds the extended address of a channel bit.
func Compose(channel, bit int) int {
	return channel*10 + bit
}

// BitMask returns the mask of a 1-based bit position.
func BitMask(bit int) int {
	return 1 << (bit - 1)
}

// IsSet reports whether the 1-based bit is set in value.
func IsSet(value, bit int) bool {
	return value&BitMask(bit) != 0
}

// SetBit returns value with the 1-based bit set.
func SetBit(value, bit int) int {
	return (value | BitMask(bit)) & ByteMax
}

// ClearBit returns value with the 1-based bit cleared.
func ClearBit(value, bit int) int {
	return value &^ BitMask(bit) & ByteMax
}

// Field2 extracts the 2-bit field whose low bit is the 1-based bit.
func Field2(value, bit int) int {
	return (value >> (bit - 1)) & DataMax
}

// SetField2 returns value with the 2-bit field starting at the 1-based bit
// replaced by data. Bits outside the field are unchanged.
func SetField2(value, bit, data int) int {
	shift := bit - 1
	return (value&^(DataMax<<shift) | (data&DataMax)<<shift) & ByteMax
}
