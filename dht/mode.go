package dht

import (
	"fmt"
	"strings"
)

// Mode is the participation mode of the local node.
type Mode uint8

const (
	// Inactive nodes do not take part in the DHT.
	Inactive Mode = 0x00
	// Active nodes are full Kademlia participants.
	Active Mode = 0x01
	// Passive nodes are firewalled ultrapeers that use the DHT without
	// answering for it, and relay for their leaves.
	Passive Mode = 0x02
	// PassiveLeaf nodes are Gnutella leaves that get contacts from their
	// ultrapeer instead of maintaining a table.
	PassiveLeaf Mode = 0x03
)

// Capability is the 4-byte tag advertised to the gossip network.
type Capability [4]byte

var (
	modeNames = map[Mode]string{
		Inactive:    "INACTIVE",
		Active:      "ACTIVE",
		Passive:     "PASSIVE",
		PassiveLeaf: "PASSIVE_LEAF",
	}
	modeCapabilities = map[Mode]Capability{
		Inactive:    {'I', 'D', 'H', 'T'},
		Active:      {'A', 'D', 'H', 'T'},
		Passive:     {'P', 'D', 'H', 'T'},
		PassiveLeaf: {'L', 'D', 'H', 'T'},
	}
	capabilityModes = invertCapabilities()
	namedModes      = invertNames()
)

func invertCapabilities() map[Capability]Mode {
	out := make(map[Capability]Mode, len(modeCapabilities))
	for m, c := range modeCapabilities {
		out[c] = m
	}
	return out
}

func invertNames() map[string]Mode {
	out := make(map[string]Mode, len(modeNames))
	for m, n := range modeNames {
		out[n] = m
	}
	return out
}

// Modes lists every mode in byte order.
func Modes() []Mode {
	return []Mode{Inactive, Active, Passive, PassiveLeaf}
}

// Byte returns the wire value of m.
func (m Mode) Byte() byte {
	return byte(m)
}

// Capability returns the advertised tag of m.
func (m Mode) Capability() Capability {
	return modeCapabilities[m]
}

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	_, ok := modeNames[m]
	return ok
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("Mode(0x%02x)", byte(m))
}

// ModeFromByte looks up a mode by its wire value.
func ModeFromByte(b byte) (Mode, bool) {
	m := Mode(b)
	return m, m.IsValid()
}

// ModeFromCapability looks up a mode by its 4-byte tag.
func ModeFromCapability(c Capability) (Mode, bool) {
	m, ok := capabilityModes[c]
	return m, ok
}

// ParseMode looks up a mode by name, e.g. "ACTIVE". Case is ignored.
func ParseMode(s string) (Mode, error) {
	if m, ok := namedModes[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return Inactive, fmt.Errorf("unknown DHT mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
