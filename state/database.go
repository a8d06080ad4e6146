// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/Fantom-foundation/Replay/common"
	"github.com/Fantom-foundation/Replay/mpt"
	"github.com/Fantom-foundation/Replay/mpt/rlp"
)

const (
	// ErrMissingCode is reported when an account's byte code is needed but
	// was not supplied with the witness data.
	ErrMissingCode = common.ConstError("missing account code")
)

// Database is a mutable world state anchored at a state trie root. Reads
// are resolved against the trie, writes are buffered in an in-memory
// overlay until Commit folds them back into the trie and produces the new
// root. A journal of undo operations supports the nested snapshot/revert
// semantics of transaction execution.
//
// Both account and storage lookups navigate partially materialized tries;
// touching state not covered by the backing node store reports a
// MissingWitnessError from the mpt package.
type Database struct {
	store *mpt.NodeStore
	trie  *mpt.Trie
	codes map[common.Hash][]byte

	accounts map[common.Address]*accountEntry
	undo     []func()
}

// accountEntry is the overlay state of a single touched account. The
// storageRoot field tracks the committed root backing all slots not yet
// cached in the storage map.
type accountEntry struct {
	account     Account
	exists      bool
	dirty       bool
	storageRoot common.Hash
	storage     map[common.Key]slotEntry
}

type slotEntry struct {
	value common.Value
	dirty bool
}

// NewDatabase creates a world state anchored at the given state root. The
// codes map provides account byte code by code hash; it may be nil if no
// code lookups are expected.
func NewDatabase(store *mpt.NodeStore, root common.Hash, codes map[common.Hash][]byte) *Database {
	return &Database{
		store:    store,
		trie:     mpt.NewTrie(store, root),
		codes:    codes,
		accounts: map[common.Address]*accountEntry{},
	}
}

// GetAccount retrieves the current state of the given account, reporting
// its existence.
func (db *Database) GetAccount(addr common.Address) (Account, bool, error) {
	entry, err := db.getEntry(addr)
	if err != nil {
		return Account{}, false, err
	}
	return entry.account, entry.exists, nil
}

// SetAccount updates the nonce, balance, and code hash of the given
// account, creating it if absent. The storage root is managed by the
// database itself and ignored on the passed value.
func (db *Database) SetAccount(addr common.Address, account Account) error {
	entry, err := db.getEntry(addr)
	if err != nil {
		return err
	}
	db.journalAccount(entry)
	account.StorageRoot = entry.account.StorageRoot
	entry.account = account
	entry.exists = true
	entry.dirty = true
	return nil
}

// DeleteAccount removes the given account and all its storage. Deleting an
// absent account is a no-op.
func (db *Database) DeleteAccount(addr common.Address) error {
	entry, err := db.getEntry(addr)
	if err != nil {
		return err
	}
	if !entry.exists {
		return nil
	}
	db.journalAccount(entry)
	oldStorage := entry.storage
	oldRoot := entry.storageRoot
	db.undo = append(db.undo, func() {
		entry.storage = oldStorage
		entry.storageRoot = oldRoot
	})
	entry.account = NewAccount()
	entry.exists = false
	entry.dirty = true
	entry.storage = map[common.Key]slotEntry{}
	entry.storageRoot = mpt.EmptyNodeHash
	return nil
}

// GetStorage retrieves the value of the given storage slot. Absent slots
// read as zero.
func (db *Database) GetStorage(addr common.Address, key common.Key) (common.Value, error) {
	entry, err := db.getEntry(addr)
	if err != nil {
		return common.Value{}, err
	}
	if slot, cached := entry.storage[key]; cached {
		return slot.value, nil
	}
	value := common.Value{}
	if entry.exists && entry.storageRoot != mpt.EmptyNodeHash {
		storageTrie := mpt.NewTrie(db.store, entry.storageRoot)
		path := common.Keccak256ForKey(key)
		data, present, err := storageTrie.Get(path[:])
		if err != nil {
			return common.Value{}, err
		}
		if present {
			value, err = decodeSlotValue(data)
			if err != nil {
				return common.Value{}, err
			}
		}
	}
	entry.storage[key] = slotEntry{value: value}
	return value, nil
}

// SetStorage updates the value of the given storage slot. Setting a slot to
// zero removes it from the storage trie on commit.
func (db *Database) SetStorage(addr common.Address, key common.Key, value common.Value) error {
	entry, err := db.getEntry(addr)
	if err != nil {
		return err
	}
	old, cached := entry.storage[key]
	db.undo = append(db.undo, func() {
		if cached {
			entry.storage[key] = old
		} else {
			delete(entry.storage, key)
		}
	})
	entry.storage[key] = slotEntry{value: value, dirty: true}
	entry.dirty = true
	return nil
}

// GetCode retrieves the byte code of the given account. Accounts without
// code read as an empty slice; accounts whose code hash has no entry in the
// code pool report ErrMissingCode.
func (db *Database) GetCode(addr common.Address) ([]byte, error) {
	entry, err := db.getEntry(addr)
	if err != nil {
		return nil, err
	}
	if !entry.exists || entry.account.CodeHash == EmptyCodeHash {
		return nil, nil
	}
	code, found := db.codes[entry.account.CodeHash]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrMissingCode, entry.account.CodeHash)
	}
	return code, nil
}

// Snapshot marks the current state of the overlay; all modifications
// conducted after the snapshot can be undone with RevertToSnapshot.
// Snapshots are nested; reverting to an outer snapshot invalidates all
// inner ones.
func (db *Database) Snapshot() int {
	return len(db.undo)
}

// RevertToSnapshot undoes all modifications conducted since the given
// snapshot was taken.
func (db *Database) RevertToSnapshot(snapshot int) {
	if snapshot < 0 || snapshot > len(db.undo) {
		panic(fmt.Sprintf("invalid snapshot id %d, have %d journal entries", snapshot, len(db.undo)))
	}
	for i := len(db.undo) - 1; i >= snapshot; i-- {
		db.undo[i]()
	}
	db.undo = db.undo[:snapshot]
}

// Commit folds all buffered modifications into the state trie and returns
// the new state root. Storage tries of modified accounts are updated first,
// then the accounts themselves, both in deterministic address and key
// order. Accounts left empty as defined by EIP-158 are removed from the
// trie. After a commit, earlier snapshots must no longer be used.
func (db *Database) Commit() (common.Hash, error) {
	addresses := make([]common.Address, 0, len(db.accounts))
	for addr, entry := range db.accounts {
		if entry.dirty {
			addresses = append(addresses, addr)
		}
	}
	sort.Slice(addresses, func(i, j int) bool {
		return bytes.Compare(addresses[i][:], addresses[j][:]) < 0
	})
	for _, addr := range addresses {
		if err := db.commitAccount(addr, db.accounts[addr]); err != nil {
			return common.Hash{}, err
		}
	}
	db.undo = db.undo[:0]
	return db.trie.Hash()
}

func (db *Database) commitAccount(addr common.Address, entry *accountEntry) error {
	path := common.Keccak256ForAddress(addr)
	if !entry.exists {
		if err := db.trie.Delete(path[:]); err != nil {
			return fmt.Errorf("failed to remove account %s: %w", addr, err)
		}
		entry.dirty = false
		return nil
	}

	root, err := db.commitStorage(entry)
	if err != nil {
		return fmt.Errorf("failed to update storage of account %s: %w", addr, err)
	}
	entry.account.StorageRoot = root
	entry.storageRoot = root

	if entry.account.Empty() && root == mpt.EmptyNodeHash {
		if err := db.trie.Delete(path[:]); err != nil {
			return fmt.Errorf("failed to clear empty account %s: %w", addr, err)
		}
		entry.exists = false
	} else if err := db.trie.Insert(path[:], entry.account.Encode()); err != nil {
		return fmt.Errorf("failed to update account %s: %w", addr, err)
	}
	entry.dirty = false
	return nil
}

func (db *Database) commitStorage(entry *accountEntry) (common.Hash, error) {
	keys := make([]common.Key, 0, len(entry.storage))
	for key, slot := range entry.storage {
		if slot.dirty {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return entry.storageRoot, nil
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	storageTrie := mpt.NewTrie(db.store, entry.storageRoot)
	for _, key := range keys {
		slot := entry.storage[key]
		path := common.Keccak256ForKey(key)
		if slot.value.IsZero() {
			if err := storageTrie.Delete(path[:]); err != nil {
				return common.Hash{}, err
			}
		} else if err := storageTrie.Insert(path[:], encodeSlotValue(slot.value)); err != nil {
			return common.Hash{}, err
		}
		entry.storage[key] = slotEntry{value: slot.value}
	}
	return storageTrie.Hash()
}

// getEntry provides the overlay entry of the given account, loading it from
// the state trie on first access.
func (db *Database) getEntry(addr common.Address) (*accountEntry, error) {
	if entry, found := db.accounts[addr]; found {
		return entry, nil
	}
	path := common.Keccak256ForAddress(addr)
	data, exists, err := db.trie.Get(path[:])
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", addr, err)
	}
	entry := &accountEntry{
		account:     NewAccount(),
		storageRoot: mpt.EmptyNodeHash,
		storage:     map[common.Key]slotEntry{},
	}
	if exists {
		account, err := DecodeAccount(data)
		if err != nil {
			return nil, fmt.Errorf("invalid state of account %s: %w", addr, err)
		}
		entry.account = account
		entry.exists = true
		entry.storageRoot = account.StorageRoot
	}
	db.accounts[addr] = entry
	return entry, nil
}

func (db *Database) journalAccount(entry *accountEntry) {
	old := entry.account
	oldExists := entry.exists
	oldDirty := entry.dirty
	db.undo = append(db.undo, func() {
		entry.account = old
		entry.exists = oldExists
		entry.dirty = oldDirty
	})
}

func encodeSlotValue(value common.Value) []byte {
	return rlp.Encode(rlp.Uint256{Value: value.ToUint256()})
}

func decodeSlotValue(data []byte) (common.Value, error) {
	item, err := rlp.Decode(data)
	if err != nil {
		return common.Value{}, fmt.Errorf("invalid storage slot encoding: %w", err)
	}
	str, ok := item.(rlp.String)
	if !ok {
		return common.Value{}, fmt.Errorf("invalid storage slot encoding of type %T", item)
	}
	value, err := str.Uint256()
	if err != nil {
		return common.Value{}, fmt.Errorf("invalid storage slot value: %w", err)
	}
	return common.ValueFromUint256(value), nil
}
