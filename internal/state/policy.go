package state

import (
	"CoverLedger/internal/asset"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PolicyStatus is the stored lifecycle state of a policy. Expiry is not a
// stored state: an Active policy past its end time is expired, see Expired.
type PolicyStatus uint8

const (
	PolicyActive PolicyStatus = iota
	PolicyClaimed
	PolicyCancelled
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyActive:
		return "Active"
	case PolicyClaimed:
		return "Claimed"
	case PolicyCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Claimed and Cancelled are
// terminal.
func (s PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	return s == PolicyActive && (next == PolicyClaimed || next == PolicyCancelled)
}

// Policy is one insurance commitment.
type Policy struct {
	ID            uint64
	Holder        uuid.UUID
	Premium       uint256.Int // total paid, including extensions
	InsuredAmount uint256.Int
	StartTime     int64 // unix seconds
	EndTime       int64 // unix seconds
	RiskLevel     uint8
	Data          string
	Status        PolicyStatus
	Asset         asset.Ref
}

// Expired reports whether the cover window has passed. It says nothing about
// status: an expired policy may still be flagged Active.
func (p *Policy) Expired(now int64) bool {
	return now > p.EndTime
}

// Usable reports whether claims may be filed: Active and not expired.
func (p *Policy) Usable(now int64) bool {
	return p.Status == PolicyActive && !p.Expired(now)
}

// Duration returns the cover window length in seconds.
func (p *Policy) Duration() int64 {
	return p.EndTime - p.StartTime
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Policy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = appendUint64LE(buf, p.ID)
	buf = append(buf, p.Holder[:]...)

	premium := p.Premium.Bytes32()
	buf = append(buf, premium[:]...)
	insured := p.InsuredAmount.Bytes32()
	buf = append(buf, insured[:]...)

	buf = appendUint64LE(buf, uint64(p.StartTime))
	buf = appendUint64LE(buf, uint64(p.EndTime))
	buf = append(buf, p.RiskLevel, byte(p.Status))

	key := p.Asset.Key()
	buf = append(buf, byte(len(key)))
	buf = append(buf, key...)

	// data (length-prefixed, 4 bytes LE)
	buf = appendUint32LE(buf, uint32(len(p.Data)))
	buf = append(buf, p.Data...)

	return buf
}

// PolicyBook owns policy records and the holder index.
// Not thread-safe — only accessed from the single-threaded ledger core.
type PolicyBook struct {
	policies map[uint64]*Policy
	byHolder map[uuid.UUID][]uint64
	nextID   uint64
}

func NewPolicyBook() *PolicyBook {
	return &PolicyBook{
		policies: make(map[uint64]*Policy),
		byHolder: make(map[uuid.UUID][]uint64),
		nextID:   1,
	}
}

// Insert assigns the next id to p, stores it and indexes it by holder.
func (b *PolicyBook) Insert(p *Policy) uint64 {
	p.ID = b.nextID
	b.nextID++
	b.policies[p.ID] = p
	b.byHolder[p.Holder] = append(b.byHolder[p.Holder], p.ID)
	return p.ID
}

// Remove undoes the most recent Insert. It is only valid for the newest id.
func (b *PolicyBook) Remove(id uint64) {
	p, ok := b.policies[id]
	if !ok || id != b.nextID-1 {
		return
	}
	delete(b.policies, id)
	ids := b.byHolder[p.Holder]
	if n := len(ids); n > 0 && ids[n-1] == id {
		ids = ids[:n-1]
	}
	if len(ids) == 0 {
		delete(b.byHolder, p.Holder)
	} else {
		b.byHolder[p.Holder] = ids
	}
	b.nextID--
}

// Get returns the stored policy (mutable) or nil.
func (b *PolicyBook) Get(id uint64) *Policy {
	return b.policies[id]
}

// ByHolder returns a copy of the holder's policy ids in creation order.
func (b *PolicyBook) ByHolder(holder uuid.UUID) []uint64 {
	ids := b.byHolder[holder]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// Len returns the number of policies.
func (b *PolicyBook) Len() int {
	return len(b.policies)
}

// All returns copies of every policy ordered by id.
func (b *PolicyBook) All() []Policy {
	out := make([]Policy, 0, len(b.policies))
	for id := uint64(1); id < b.nextID; id++ {
		if p, ok := b.policies[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Restore loads a policy from a snapshot, keeping ids and index order.
func (b *PolicyBook) Restore(p Policy) {
	cp := p
	b.policies[p.ID] = &cp
	b.byHolder[p.Holder] = append(b.byHolder[p.Holder], p.ID)
	if p.ID >= b.nextID {
		b.nextID = p.ID + 1
	}
}
