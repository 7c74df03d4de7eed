package state

import (
	"CoverLedger/internal/asset"
	"encoding/binary"
	"sort"

	"github.com/holiman/uint256"
)

// Counter names a treasury aggregate.
type Counter uint8

const (
	PremiumsCollected Counter = iota
	ClaimsPaid
	RefundsPaid
	Withdrawn
)

func (c Counter) String() string {
	switch c {
	case PremiumsCollected:
		return "premiums_collected"
	case ClaimsPaid:
		return "claims_paid"
	case RefundsPaid:
		return "refunds_paid"
	case Withdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// AssetTotals holds the aggregate counters for one asset.
type AssetTotals struct {
	Asset             asset.Ref
	PremiumsCollected uint256.Int
	ClaimsPaid        uint256.Int
	RefundsPaid       uint256.Int
	Withdrawn         uint256.Int
}

func (t *AssetTotals) field(c Counter) *uint256.Int {
	switch c {
	case PremiumsCollected:
		return &t.PremiumsCollected
	case ClaimsPaid:
		return &t.ClaimsPaid
	case RefundsPaid:
		return &t.RefundsPaid
	case Withdrawn:
		return &t.Withdrawn
	default:
		return nil
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (t *AssetTotals) CanonicalBytes() []byte {
	key := t.Asset.Key()
	buf := make([]byte, 0, 1+len(key)+4*32)
	buf = append(buf, byte(len(key)))
	buf = append(buf, key...)
	for _, c := range []Counter{PremiumsCollected, ClaimsPaid, RefundsPaid, Withdrawn} {
		b := t.field(c).Bytes32()
		buf = append(buf, b[:]...)
	}
	return buf
}

// Treasury keeps per-asset counters. Native and every token are tracked
// under their own key and never summed together.
// Not thread-safe — only accessed from the single-threaded ledger core.
type Treasury struct {
	totals map[string]*AssetTotals
}

func NewTreasury() *Treasury {
	return &Treasury{totals: make(map[string]*AssetTotals)}
}

// Add increases counter c for ref by amount. It reports false on overflow
// and leaves the counter unchanged.
func (t *Treasury) Add(ref asset.Ref, c Counter, amount *uint256.Int) bool {
	current := t.Totals(ref)
	f := current.field(c)
	if f == nil {
		return false
	}
	if _, overflow := new(uint256.Int).AddOverflow(f, amount); overflow {
		return false
	}
	f = t.row(ref).field(c)
	f.Add(f, amount)
	return true
}

// Sub reverses a previous Add. Used by rollback only. A row that drops back
// to all zeros is forgotten, as if never touched.
func (t *Treasury) Sub(ref asset.Ref, c Counter, amount *uint256.Int) {
	key := ref.Key()
	row, ok := t.totals[key]
	if !ok {
		return
	}
	if f := row.field(c); f != nil {
		f.Sub(f, amount)
	}
	if row.PremiumsCollected.IsZero() && row.ClaimsPaid.IsZero() &&
		row.RefundsPaid.IsZero() && row.Withdrawn.IsZero() {
		delete(t.totals, key)
	}
}

// Totals returns a copy of the counters for ref; zero if never touched.
func (t *Treasury) Totals(ref asset.Ref) AssetTotals {
	if row, ok := t.totals[ref.Key()]; ok {
		return *row
	}
	return AssetTotals{Asset: ref}
}

// All returns copies of every touched asset row ordered by key.
func (t *Treasury) All() []AssetTotals {
	keys := make([]string, 0, len(t.totals))
	for k := range t.totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]AssetTotals, 0, len(keys))
	for _, k := range keys {
		out = append(out, *t.totals[k])
	}
	return out
}

// Restore loads a row from a snapshot.
func (t *Treasury) Restore(row AssetTotals) {
	cp := row
	t.totals[row.Asset.Key()] = &cp
}

func (t *Treasury) row(ref asset.Ref) *AssetTotals {
	key := ref.Key()
	row, ok := t.totals[key]
	if !ok {
		row = &AssetTotals{Asset: ref}
		t.totals[key] = row
	}
	return row
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}
