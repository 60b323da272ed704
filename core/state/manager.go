package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"inkprotocol/storage"
)

var (
	balancePrefix = []byte("balance:")

	errReadOnly = errors.New("state: write in read-only transaction")
)

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func balanceKey(addr common.Address) []byte {
	buf := make([]byte, len(balancePrefix)+common.AddressLength)
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

// Manager provides serialized access to the persisted protocol state. Reads run
// under a shared lock; Update runs exclusively and commits all writes of the
// callback in one storage batch, so a failing callback leaves no trace.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// View runs fn against a read-only snapshot of the state.
func (m *Manager) View(fn func(*Txn) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&Txn{db: m.db, readOnly: true})
}

// Update runs fn and atomically commits its writes when it returns nil.
func (m *Manager) Update(fn func(*Txn) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &Txn{db: m.db, writes: make(map[string]pendingWrite)}
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// KVGet is a convenience wrapper running a single read in its own view.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	var found bool
	err := m.View(func(txn *Txn) error {
		var err error
		found, err = txn.KVGet(key, out)
		return err
	})
	return found, err
}

// Balance returns the token balance of addr.
func (m *Manager) Balance(addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := m.View(func(txn *Txn) error {
		var err error
		balance, err = txn.Balance(addr)
		return err
	})
	return balance, err
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Txn is the state view handed to View and Update callbacks. Writes are
// buffered and visible to later reads of the same Txn.
type Txn struct {
	db       storage.Database
	readOnly bool
	writes   map[string]pendingWrite
	order    []string
}

func (t *Txn) get(hashed []byte) ([]byte, error) {
	if w, ok := t.writes[string(hashed)]; ok {
		if w.deleted {
			return nil, nil
		}
		return w.value, nil
	}
	data, err := t.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (t *Txn) set(hashed []byte, value []byte, deleted bool) error {
	if t.readOnly {
		return errReadOnly
	}
	key := string(hashed)
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = pendingWrite{value: value, deleted: deleted}
	return nil
}

func (t *Txn) commit() error {
	if len(t.order) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, key := range t.order {
		w := t.writes[key]
		if w.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), w.value)
	}
	return batch.Write()
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (t *Txn) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return t.set(kvKey(key), encoded, false)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (t *Txn) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := t.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (t *Txn) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return t.set(kvKey(key), nil, true)
}

// SetBalance stores the token balance for addr.
func (t *Txn) SetBalance(addr common.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return t.set(balanceKey(addr), encoded, false)
}

// Balance retrieves the token balance for addr; unknown accounts hold zero.
func (t *Txn) Balance(addr common.Address) (*big.Int, error) {
	data, err := t.get(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}
