package dht

import (
	"fmt"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/identity"
)

// Contact is a routing table entry: a proof-verified record and its liveness state
type Contact struct {
	Record       *PeerRecord
	LastVerified time.Time // Last time the record's proof was verified or the peer answered
	Failures     int       // Consecutive failed liveness checks
}

// NewContact creates a contact verified at now
func NewContact(record *PeerRecord, now time.Time) *Contact {
	return &Contact{
		Record:       record,
		LastVerified: now,
	}
}

// ID returns the contact's identity
func (c *Contact) ID() identity.ID {
	return c.Record.ID
}

// IsStale returns true if the contact hasn't been verified within timeout
func (c *Contact) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastVerified) > timeout
}

// Copy creates a deep copy of the contact
func (c *Contact) Copy() *Contact {
	return &Contact{
		Record:       c.Record.Copy(),
		LastVerified: c.LastVerified,
		Failures:     c.Failures,
	}
}

// String returns a string representation of the contact
func (c *Contact) String() string {
	return fmt.Sprintf("Contact{ID: %s, Addr: %s, LastVerified: %v, Failures: %d}",
		c.Record.ID.Short(), c.Record.Addr, c.LastVerified.Format(time.RFC3339), c.Failures)
}
