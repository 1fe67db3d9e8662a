package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey means the keyring holds no signing key for the address.
var ErrNoKey = errors.New("chain: no signing key for address")

// Keyring resolves signing keys for employer-initiated operations (lock,
// cancel). Production deployments implement this against an external
// signer or relay; the dev keyring below holds local test-chain keys.
type Keyring interface {
	Key(addr common.Address) (*ecdsa.PrivateKey, error)
}

// DevKeyring is an in-memory keyring for local test chains. Keys are
// registered explicitly at startup from configuration; there is no
// hardcoded address table.
type DevKeyring struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewDevKeyring creates an empty dev keyring.
func NewDevKeyring() *DevKeyring {
	return &DevKeyring{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

// Add registers a hex-encoded private key and returns its address.
func (k *DevKeyring) Add(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr, nil
}

// Key returns the private key for addr, or ErrNoKey.
func (k *DevKeyring) Key(addr common.Address) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, addr.Hex())
	}
	return key, nil
}

var _ Keyring = (*DevKeyring)(nil)
