package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ClaimStatus tracks settlement progress of a claim.
type ClaimStatus uint8

const (
	ClaimPending ClaimStatus = iota
	ClaimApproved
	ClaimRejected
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "Pending"
	case ClaimApproved:
		return "Approved"
	case ClaimRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// CanTransitionTo allows exactly one transition out of Pending.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	return s == ClaimPending && (next == ClaimApproved || next == ClaimRejected)
}

// Claim is a payout request against a policy.
type Claim struct {
	ID       uint64
	PolicyID uint64
	Claimant uuid.UUID
	Amount   uint256.Int
	FiledAt  int64
	Status   ClaimStatus
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *Claim) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)
	buf = appendUint64LE(buf, c.ID)
	buf = appendUint64LE(buf, c.PolicyID)
	buf = append(buf, c.Claimant[:]...)
	amt := c.Amount.Bytes32()
	buf = append(buf, amt[:]...)
	buf = appendUint64LE(buf, uint64(c.FiledAt))
	buf = append(buf, byte(c.Status))
	return buf
}

// ClaimBook owns claim records and the claimant index.
// Not thread-safe — only accessed from the single-threaded ledger core.
type ClaimBook struct {
	claims     map[uint64]*Claim
	byClaimant map[uuid.UUID][]uint64
	nextID     uint64
}

func NewClaimBook() *ClaimBook {
	return &ClaimBook{
		claims:     make(map[uint64]*Claim),
		byClaimant: make(map[uuid.UUID][]uint64),
		nextID:     1,
	}
}

// Insert assigns the next id to c, stores it and indexes it by claimant.
func (b *ClaimBook) Insert(c *Claim) uint64 {
	c.ID = b.nextID
	b.nextID++
	b.claims[c.ID] = c
	b.byClaimant[c.Claimant] = append(b.byClaimant[c.Claimant], c.ID)
	return c.ID
}

// Remove undoes the most recent Insert. It is only valid for the newest id.
func (b *ClaimBook) Remove(id uint64) {
	c, ok := b.claims[id]
	if !ok || id != b.nextID-1 {
		return
	}
	delete(b.claims, id)
	ids := b.byClaimant[c.Claimant]
	if n := len(ids); n > 0 && ids[n-1] == id {
		ids = ids[:n-1]
	}
	if len(ids) == 0 {
		delete(b.byClaimant, c.Claimant)
	} else {
		b.byClaimant[c.Claimant] = ids
	}
	b.nextID--
}

// Get returns the stored claim (mutable) or nil.
func (b *ClaimBook) Get(id uint64) *Claim {
	return b.claims[id]
}

// ByClaimant returns a copy of the claimant's claim ids in filing order.
func (b *ClaimBook) ByClaimant(claimant uuid.UUID) []uint64 {
	ids := b.byClaimant[claimant]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

func (b *ClaimBook) Len() int {
	return len(b.claims)
}

// All returns copies of every claim ordered by id.
func (b *ClaimBook) All() []Claim {
	out := make([]Claim, 0, len(b.claims))
	for id := uint64(1); id < b.nextID; id++ {
		if c, ok := b.claims[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Restore loads a claim from a snapshot, keeping ids and index order.
func (b *ClaimBook) Restore(c Claim) {
	cp := c
	b.claims[c.ID] = &cp
	b.byClaimant[c.Claimant] = append(b.byClaimant[c.Claimant], c.ID)
	if c.ID >= b.nextID {
		b.nextID = c.ID + 1
	}
}
