package asset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds     = errors.New("vault: insufficient funds")
	ErrInsufficientAllowance = errors.New("vault: insufficient allowance")
	ErrNativeAllowance       = errors.New("vault: native asset has no allowance")
	ErrZeroParty             = errors.New("vault: zero party")
	ErrTransferRejected      = errors.New("vault: transfer rejected by recipient")
	ErrSelfTransfer          = errors.New("vault: source and destination are the same party")
	ErrVaultNotEmpty         = errors.New("vault: restore requires an empty vault")
)

// Transfer describes one completed value movement, handed to a TransferHook.
type Transfer struct {
	Ref    Ref
	From   uuid.UUID
	To     uuid.UUID
	Amount uint256.Int
}

// TransferHook runs after a transfer out of custody has been applied, the way
// a recipient's receive logic runs during a transfer. Returning an error
// rejects the transfer and the vault restores both balances.
type TransferHook func(ctx context.Context, t Transfer) error

// accountKey is the in-memory key for balance tracking.
type accountKey struct {
	Party uuid.UUID
	Asset string
}

type allowanceKey struct {
	Owner   uuid.UUID
	Spender uuid.UUID
	Asset   string
}

// Vault is an in-process Adapter keeping balances and token allowances per
// party. One party is the custody account the ledger holds funds in.
//
// Every balance or allowance it changes is remembered until TakeChanges, so
// the ledger can persist the vault together with the output that moved it.
type Vault struct {
	mu         sync.Mutex
	custody    uuid.UUID
	balances   map[accountKey]uint256.Int
	allowances map[allowanceKey]uint256.Int
	hook       TransferHook

	dirtyBalances   map[accountKey]struct{}
	dirtyAllowances map[allowanceKey]struct{}
}

var (
	_ Adapter = (*Vault)(nil)
	_ Journal = (*Vault)(nil)
)

func NewVault(custody uuid.UUID) *Vault {
	return &Vault{
		custody:         custody,
		balances:        make(map[accountKey]uint256.Int),
		allowances:      make(map[allowanceKey]uint256.Int),
		dirtyBalances:   make(map[accountKey]struct{}),
		dirtyAllowances: make(map[allowanceKey]struct{}),
	}
}

// Custody returns the party that holds the ledger's funds.
func (v *Vault) Custody() uuid.UUID {
	return v.custody
}

// SetHook installs a hook called after each transfer out of custody. Passing
// nil removes it.
func (v *Vault) SetHook(h TransferHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hook = h
}

// Credit mints amount to party. It models value arriving from outside the
// system (deposits, treasury top-ups).
func (v *Vault) Credit(ref Ref, party uuid.UUID, amount *uint256.Int) error {
	if party == uuid.Nil {
		return ErrZeroParty
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	key := accountKey{Party: party, Asset: ref.Key()}
	bal := v.balances[key]
	if _, overflow := bal.AddOverflow(&bal, amount); overflow {
		return fmt.Errorf("vault: credit overflows %s balance", ref)
	}
	v.setBalance(key, bal)
	return nil
}

// Approve sets the amount spender may pull from owner's token balance.
func (v *Vault) Approve(ref Ref, owner, spender uuid.UUID, amount *uint256.Int) error {
	if ref.IsNative() {
		return ErrNativeAllowance
	}
	if owner == uuid.Nil || spender == uuid.Nil {
		return ErrZeroParty
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setAllowance(allowanceKey{Owner: owner, Spender: spender, Asset: ref.Key()}, *amount)
	return nil
}

// TransferOut moves amount from custody to the recipient.
func (v *Vault) TransferOut(ctx context.Context, ref Ref, to uuid.UUID, amount *uint256.Int) error {
	if to == uuid.Nil {
		return ErrZeroParty
	}
	v.mu.Lock()
	if err := v.move(ref, v.custody, to, amount); err != nil {
		v.mu.Unlock()
		return err
	}
	hook := v.hook
	v.mu.Unlock()

	if hook == nil {
		return nil
	}

	// The hook runs unlocked so it may call back into the ledger.
	t := Transfer{Ref: ref, From: v.custody, To: to, Amount: *amount}
	if err := hook(ctx, t); err != nil {
		v.mu.Lock()
		v.revert(ref, v.custody, to, amount)
		v.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrTransferRejected, err)
	}
	return nil
}

// PullIn moves amount from a party into custody. Token pulls spend the
// allowance the party granted to custody.
func (v *Vault) PullIn(ctx context.Context, ref Ref, from uuid.UUID, amount *uint256.Int) error {
	if from == uuid.Nil {
		return ErrZeroParty
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if ref.IsNative() {
		return v.move(ref, from, v.custody, amount)
	}

	akey := allowanceKey{Owner: from, Spender: v.custody, Asset: ref.Key()}
	allowed := v.allowances[akey]
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientAllowance, allowed.Dec(), amount.Dec())
	}
	if err := v.move(ref, from, v.custody, amount); err != nil {
		return err
	}
	allowed.Sub(&allowed, amount)
	v.setAllowance(akey, allowed)
	return nil
}

// Allowance returns how much spender may pull from owner's token balance.
func (v *Vault) Allowance(ctx context.Context, ref Ref, owner, spender uuid.UUID) (*uint256.Int, error) {
	if ref.IsNative() {
		return nil, ErrNativeAllowance
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	allowed := v.allowances[allowanceKey{Owner: owner, Spender: spender, Asset: ref.Key()}]
	return allowed.Clone(), nil
}

// Balance returns the party's balance of the asset.
func (v *Vault) Balance(ctx context.Context, ref Ref, party uuid.UUID) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balances[accountKey{Party: party, Asset: ref.Key()}]
	return bal.Clone(), nil
}

// Holdings returns every non-zero balance keyed by "party/asset", sorted by
// key. Used for diagnostics and tests.
func (v *Vault) Holdings() []Holding {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Holding, 0, len(v.balances))
	for k, bal := range v.balances {
		if bal.IsZero() {
			continue
		}
		out = append(out, Holding{Party: k.Party, Asset: k.Asset, Amount: bal})
	}
	sortHoldings(out)
	return out
}

// Holding is one party's balance of one asset, keyed by Ref.Key.
type Holding struct {
	Party  uuid.UUID
	Asset  string
	Amount uint256.Int
}

// Grant is the amount Spender may pull from Owner's token balance.
type Grant struct {
	Owner   uuid.UUID
	Spender uuid.UUID
	Asset   string
	Amount  uint256.Int
}

func sortHoldings(hs []Holding) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Party != hs[j].Party {
			return hs[i].Party.String() < hs[j].Party.String()
		}
		return hs[i].Asset < hs[j].Asset
	})
}

// move must be called with mu held.
func (v *Vault) move(ref Ref, from, to uuid.UUID, amount *uint256.Int) error {
	if from == to {
		return fmt.Errorf("%w: %s", ErrSelfTransfer, from)
	}
	fromKey := accountKey{Party: from, Asset: ref.Key()}
	toKey := accountKey{Party: to, Asset: ref.Key()}

	fromBal := v.balances[fromKey]
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s has=%s, need=%s", ErrInsufficientFunds, ref, fromBal.Dec(), amount.Dec())
	}
	toBal := v.balances[toKey]
	if _, overflow := new(uint256.Int).AddOverflow(&toBal, amount); overflow {
		return fmt.Errorf("vault: transfer overflows %s balance of %s", ref, to)
	}

	fromBal.Sub(&fromBal, amount)
	toBal.Add(&toBal, amount)
	v.setBalance(fromKey, fromBal)
	v.setBalance(toKey, toBal)
	return nil
}

// revert undoes a move whose hook rejected it. If the recipient already moved
// the funds on inside the hook, only what is left is taken back.
func (v *Vault) revert(ref Ref, from, to uuid.UUID, amount *uint256.Int) {
	toKey := accountKey{Party: to, Asset: ref.Key()}
	fromKey := accountKey{Party: from, Asset: ref.Key()}

	toBal := v.balances[toKey]
	back := amount.Clone()
	if toBal.Lt(back) {
		back.Set(&toBal)
	}
	toBal.Sub(&toBal, back)
	fromBal := v.balances[fromKey]
	fromBal.Add(&fromBal, back)
	v.setBalance(toKey, toBal)
	v.setBalance(fromKey, fromBal)
}

func (v *Vault) setBalance(k accountKey, bal uint256.Int) {
	v.balances[k] = bal
	v.dirtyBalances[k] = struct{}{}
}

func (v *Vault) setAllowance(k allowanceKey, amount uint256.Int) {
	v.allowances[k] = amount
	v.dirtyAllowances[k] = struct{}{}
}

// TakeChanges returns the current value of every balance and allowance
// changed since the previous call, zeros included, and forgets them.
func (v *Vault) TakeChanges() ([]Holding, []Grant) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var holdings []Holding
	for k := range v.dirtyBalances {
		holdings = append(holdings, Holding{Party: k.Party, Asset: k.Asset, Amount: v.balances[k]})
	}
	var grants []Grant
	for k := range v.dirtyAllowances {
		grants = append(grants, Grant{Owner: k.Owner, Spender: k.Spender, Asset: k.Asset, Amount: v.allowances[k]})
	}
	clear(v.dirtyBalances)
	clear(v.dirtyAllowances)

	sortHoldings(holdings)
	sort.Slice(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		if a.Owner != b.Owner {
			return a.Owner.String() < b.Owner.String()
		}
		if a.Spender != b.Spender {
			return a.Spender.String() < b.Spender.String()
		}
		return a.Asset < b.Asset
	})
	return holdings, grants
}

// Restore loads persisted balances and allowances into an empty vault.
// Restored values are not reported by TakeChanges.
func (v *Vault) Restore(holdings []Holding, grants []Grant) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.balances) > 0 || len(v.allowances) > 0 {
		return ErrVaultNotEmpty
	}
	for _, h := range holdings {
		if h.Party == uuid.Nil {
			return ErrZeroParty
		}
		if _, err := ParseRef(h.Asset); err != nil {
			return fmt.Errorf("vault: restore %s: %w", h.Party, err)
		}
		v.balances[accountKey{Party: h.Party, Asset: h.Asset}] = h.Amount
	}
	for _, g := range grants {
		if _, err := ParseRef(g.Asset); err != nil {
			return fmt.Errorf("vault: restore allowance of %s: %w", g.Owner, err)
		}
		v.allowances[allowanceKey{Owner: g.Owner, Spender: g.Spender, Asset: g.Asset}] = g.Amount
	}
	return nil
}
