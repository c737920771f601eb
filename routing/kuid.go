package routing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// KUIDLength is the length of a node identifier in bytes (160 bits).
const KUIDLength = 20

// KUIDBits is the number of bits in a KUID.
const KUIDBits = KUIDLength * 8

// KUID is a fixed length identifier in the DHT keyspace.
type KUID [KUIDLength]byte

// MinKUID and MaxKUID bound the keyspace.
var (
	MinKUID = KUID{}
	MaxKUID = KUID{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

// RandomKUID returns a new random identifier.
func RandomKUID() KUID {
	var id KUID
	if _, err := rand.Read(id[:]); err != nil {
		panic("routing: unable to read random bytes: " + err.Error())
	}
	return id
}

// KeyFor derives the DHT key of a value from its content, such as a file
// URN. The same content always maps to the same key.
func KeyFor(content []byte) KUID {
	h, err := blake2b.New(KUIDLength, nil)
	if err != nil {
		panic("routing: blake2b: " + err.Error())
	}
	h.Write(content)
	var id KUID
	copy(id[:], h.Sum(nil))
	return id
}

// KUIDFromBytes copies b into a KUID. b must be exactly KUIDLength bytes.
func KUIDFromBytes(b []byte) (KUID, error) {
	var id KUID
	if len(b) != KUIDLength {
		return id, errors.New("invalid KUID length")
	}
	copy(id[:], b)
	return id, nil
}

// ParseKUID decodes a hex encoded identifier.
func ParseKUID(s string) (KUID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return KUID{}, err
	}
	return KUIDFromBytes(b)
}

// Xor returns the XOR distance between k and other.
func (k KUID) Xor(other KUID) KUID {
	var out KUID
	for i := range k {
		out[i] = k[i] ^ other[i]
	}
	return out
}

// Compare orders identifiers as unsigned big-endian integers.
func (k KUID) Compare(other KUID) int {
	for i := range k {
		switch {
		case k[i] < other[i]:
			return -1
		case k[i] > other[i]:
			return 1
		}
	}
	return 0
}

// CloserTo reports whether k is strictly closer to target than other is.
func (k KUID) CloserTo(target, other KUID) bool {
	return k.Xor(target).Compare(other.Xor(target)) < 0
}

// IsBitSet reports whether bit i (0 is the most significant) is set.
func (k KUID) IsBitSet(i int) bool {
	return k[i/8]&(0x80>>(i%8)) != 0
}

// CommonPrefixLen returns the number of leading bits k shares with other.
func (k KUID) CommonPrefixLen(other KUID) int {
	for i := range k {
		if x := k[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return KUIDBits
}

// Bytes returns a copy of the identifier bytes.
func (k KUID) Bytes() []byte {
	b := make([]byte, KUIDLength)
	copy(b, k[:])
	return b
}

// String returns the hex encoding of k.
func (k KUID) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns an abbreviated form for logging.
func (k KUID) ShortString() string {
	return hex.EncodeToString(k[:4])
}
