// Package constants defines cross-cutting protocol constants and defaults.
package constants

import "time"

// Hash configuration
const (
	// HashWidth is the byte width of every hash, seed and identity value.
	HashWidth = 64

	// HashBits is the number of bits in the identity space.
	HashBits = HashWidth * 8

	// DefaultHashAlgorithm is the digest used by seeded hashing unless configured otherwise.
	DefaultHashAlgorithm = "blake3-512"
)

// DHT configuration
const (
	// FanOut bounds FindNode replies and is the capacity of every bucket (K=20).
	FanOut = 20

	// DHTAlpha is the number of parallel queries during an iterative lookup.
	DHTAlpha = 3

	// MaxLookupRounds bounds an iterative lookup that stops converging.
	MaxLookupRounds = 8
)

// Proof-of-work configuration
const (
	// DefaultDifficulty is the number of leading zero bytes a proof digest must carry.
	DefaultDifficulty = 2

	// MaxDifficulty caps the configurable leading zero bytes.
	MaxDifficulty = 16

	// DefaultSeedLag is how many blocks behind the head the advertised seed sits,
	// so the seeding block is final before anyone mines against it.
	DefaultSeedLag = 6

	// DefaultMaxSeedAge is how many blocks a seed may trail the head before
	// proofs minted against it are refused.
	DefaultMaxSeedAge = 720

	// DefaultSeedCacheSize bounds the verifier's memo of seed hashes.
	DefaultSeedCacheSize = 1024
)

// Timing configuration
const (
	// Token refresh checks for a new head every 30s
	DefaultRefreshInterval = 30 * time.Second

	// Routing maintenance every 30s, entries unverified for 10 min are pinged
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultStaleAfter          = 10 * time.Minute

	// Contacts failing this many consecutive pings are removed
	DefaultMaxFailures = 3

	// Request timeout for a single Ping/FindNode exchange
	RequestTimeout = 10 * time.Second

	// Dev chain block interval
	DefaultDevBlockInterval = 15 * time.Second
)

// Protocol configuration
const (
	// Protocol version
	ProtocolVersion = 1

	// Default ports
	DefaultQUICPort    = 27487
	DefaultControlPort = 27488

	// ALPN identifier negotiated on QUIC connections
	ALPN = "powdht/1"

	// MaxFrameSize caps a single encoded envelope on the wire.
	MaxFrameSize = 1 << 20
)

// Error codes
const (
	ErrorInvalidSig         = 1
	ErrorRateLimit          = 4
	ErrorVersionMismatch    = 5
	ErrorUnknownKind        = 6
	ErrorMalformed          = 7
	ErrorNoSelfRecord       = 8
	ErrorVerificationFailed = 10
)

// Message kinds. Kind 0 carries a wire.Error.
const (
	KindError         = 0
	KindPing          = 1
	KindPingReply     = 2
	KindFindNode      = 10
	KindFindNodeReply = 11
)
