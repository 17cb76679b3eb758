package dht

import (
	"errors"
	"sync"
	"time"

	"github.com/WebFirstLanguage/powdht/pkg/identity"
)

// ErrBucketFull is returned when a bucket has no room and no stale entry to evict.
var ErrBucketFull = errors.New("bucket full of recently verified peers")

// Bucket is a k-bucket. Refreshed and new contacts move to the tail.
type Bucket struct {
	mu       sync.Mutex
	contacts []*Contact
	maxSize  int

	// Replacement cache for when bucket is full
	replacements    []*Contact
	maxReplacements int

	// recheck, when set, must accept a parked record again before promotion
	recheck func(*PeerRecord) error
}

// NewBucket creates a new k-bucket holding at most size contacts
func NewBucket(size int) *Bucket {
	return &Bucket{
		contacts:        make([]*Contact, 0, size),
		maxSize:         size,
		replacements:    make([]*Contact, 0, size),
		maxReplacements: size,
	}
}

// NewCheckedBucket is NewBucket whose replacements are re-verified with
// recheck on promotion. Records it refuses are dropped.
func NewCheckedBucket(size int, recheck func(*PeerRecord) error) *Bucket {
	b := NewBucket(size)
	b.recheck = recheck
	return b
}

// Add inserts or refreshes record. When the bucket is full its least recently
// verified contact is evicted if it has not been verified within staleAfter;
// otherwise record is parked in the replacement cache and ErrBucketFull is
// returned. The evicted contact, if any, is returned.
func (b *Bucket) Add(record *PeerRecord, now time.Time, staleAfter time.Duration) (*Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(record.ID); i >= 0 {
		c := b.contacts[i]
		c.Record = record
		c.LastVerified = now
		c.Failures = 0
		b.moveToEnd(i)
		return nil, nil
	}

	if len(b.contacts) < b.maxSize {
		b.contacts = append(b.contacts, NewContact(record, now))
		return nil, nil
	}

	i := b.leastRecentlyVerified()
	oldest := b.contacts[i]
	if !oldest.IsStale(now, staleAfter) {
		b.addToReplacements(NewContact(record, now))
		return nil, ErrBucketFull
	}

	copy(b.contacts[i:], b.contacts[i+1:])
	b.contacts[len(b.contacts)-1] = NewContact(record, now)
	return oldest, nil
}

// leastRecentlyVerified returns the eviction candidate. Promoted
// replacements may sit out of order.
func (b *Bucket) leastRecentlyVerified() int {
	oldest := 0
	for i, c := range b.contacts {
		if c.LastVerified.Before(b.contacts[oldest].LastVerified) {
			oldest = i
		}
	}
	return oldest
}

// Remove removes a contact, promoting the freshest replacement into its slot
func (b *Bucket) Remove(id identity.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
		b.promoteFromReplacements()
		return true
	}

	for i, c := range b.replacements {
		if c.ID() == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}

	return false
}

// Touch marks a contact as verified now and clears its failures
func (b *Bucket) Touch(id identity.ID, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.contacts[i].LastVerified = now
	b.contacts[i].Failures = 0
	b.moveToEnd(i)
	return true
}

// MarkFailed records a failed liveness check. The contact is removed once
// it has failed maxFailures times in a row; removed reports that.
func (b *Bucket) MarkFailed(id identity.ID, maxFailures int) (failures int, removed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexOf(id)
	if i < 0 {
		return 0, false
	}

	c := b.contacts[i]
	c.Failures++
	if c.Failures < maxFailures {
		return c.Failures, false
	}

	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	b.promoteFromReplacements()
	return c.Failures, true
}

// Get retrieves a contact by ID
func (b *Bucket) Get(id identity.ID) *Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		return b.contacts[i].Copy()
	}
	return nil
}

// All returns copies of all contacts in bucket order
func (b *Bucket) All() []*Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]*Contact, len(b.contacts))
	for i, c := range b.contacts {
		result[i] = c.Copy()
	}
	return result
}

// Stale returns copies of contacts not verified within timeout
func (b *Bucket) Stale(now time.Time, timeout time.Duration) []*Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []*Contact
	for _, c := range b.contacts {
		if c.IsStale(now, timeout) {
			result = append(result, c.Copy())
		}
	}
	return result
}

// Size returns the number of contacts in the bucket
func (b *Bucket) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// Replacements returns the number of parked candidates
func (b *Bucket) Replacements() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replacements)
}

// IsFull returns true if the bucket is at maximum capacity
func (b *Bucket) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts) >= b.maxSize
}

func (b *Bucket) indexOf(id identity.ID) int {
	for i, c := range b.contacts {
		if c.ID() == id {
			return i
		}
	}
	return -1
}

// moveToEnd moves the contact at index i to the most recently verified slot
func (b *Bucket) moveToEnd(i int) {
	if i == len(b.contacts)-1 {
		return
	}

	c := b.contacts[i]
	copy(b.contacts[i:], b.contacts[i+1:])
	b.contacts[len(b.contacts)-1] = c
}

// addToReplacements adds a contact to the replacement cache
func (b *Bucket) addToReplacements(c *Contact) {
	for i, existing := range b.replacements {
		if existing.ID() == c.ID() {
			b.replacements[i] = c
			return
		}
	}

	if len(b.replacements) < b.maxReplacements {
		b.replacements = append(b.replacements, c)
	} else {
		// Replace oldest replacement
		copy(b.replacements, b.replacements[1:])
		b.replacements[len(b.replacements)-1] = c
	}
}

// promoteFromReplacements moves the freshest replacement that still passes
// recheck into the bucket
func (b *Bucket) promoteFromReplacements() {
	for len(b.replacements) > 0 && len(b.contacts) < b.maxSize {
		c := b.replacements[len(b.replacements)-1]
		b.replacements = b.replacements[:len(b.replacements)-1]
		if b.recheck != nil && b.recheck(c.Record) != nil {
			continue
		}
		b.contacts = append(b.contacts, c)
		return
	}
}
