package core

// Node identity wallet: a BIP-39 recoverable mnemonic plus SLIP-0010
// hardened ed25519 derivation, used to generate the node's own libp2p
// identity key deterministically from a seed phrase an operator can back
// up. This is independent of the BLS owner keys used for record
// ownership (address.go) — node identity and record ownership are
// different key spaces in this design, grounded on the teacher's
// core/wallet.go HD wallet (trimmed of its Transaction-signing path, which
// has no equivalent here: nothing in this module signs a ledger
// transaction with a node identity key).

import (
	"crypto/ed25519"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

const (
	hardenedOffset uint32 = 0x80000000
	masterHMACKey         = "ed25519 seed" // SLIP-0010 master-key string
)

func SetWalletLogger(l *log.Logger) { globalLogger = l }

var globalLogger = log.New()

// HDWallet keeps master key material in-memory only.
type HDWallet struct {
	seed        []byte
	masterKey   []byte
	masterChain []byte
	logger      *log.Logger
}

func (w *HDWallet) Seed() []byte {
	out := make([]byte, len(w.seed))
	copy(out, w.seed)
	return out
}

// NewRandomWallet generates entropyBits (128/256) of RNG entropy, returns
// the wallet plus its recovery mnemonic.
func NewRandomWallet(entropyBits int) (*HDWallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("wallet: unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	w, err := NewHDWalletFromSeed(seed, globalLogger)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// WalletFromMnemonic imports an existing BIP-39 phrase (node restart /
// migration to new hardware).
func WalletFromMnemonic(mnemonic, passphrase string) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("wallet: invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewHDWalletFromSeed(seed, globalLogger)
}

func NewHDWalletFromSeed(seed []byte, lg *log.Logger) (*HDWallet, error) {
	if len(seed) < 16 {
		return nil, errors.New("wallet: seed too short")
	}
	I := hmacSHA512([]byte(masterHMACKey), seed)
	w := &HDWallet{seed: seed, masterKey: I[:32], masterChain: I[32:], logger: lg}
	lg.Infof("wallet: master key initialised (%d bytes seed)", len(seed))
	return w, nil
}

// derivePrivate returns the key material & new chain-code for a hardened
// index. Only hardened derivation is supported for ed25519.
func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte, err error) {
	if index < hardenedOffset {
		return nil, nil, errors.New("wallet: non-hardened derivation not supported for ed25519")
	}
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)
	I := hmacSHA512(parentChain, data)
	return I[:32], I[32:], nil
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// IdentityKey returns the (ed25519) keypair for derivation path
// m / account' / index', used as the node's libp2p identity key.
func (w *HDWallet) IdentityKey(account, index uint32) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	account |= hardenedOffset
	index |= hardenedOffset

	k1, c1, err := derivePrivate(w.masterKey, w.masterChain, account)
	if err != nil {
		return nil, nil, err
	}
	k2, _, err := derivePrivate(k1, c1, index)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(k2)
	pub := priv.Public().(ed25519.PublicKey)
	return priv, pub, nil
}

// LibP2PIdentity derives the node's transport identity key and wraps it as
// a libp2p crypto.PrivKey, so the peer ID stays stable across restarts of
// the same wallet instead of being re-rolled by the host on every launch.
func (w *HDWallet) LibP2PIdentity(account, index uint32) (libp2pcrypto.PrivKey, error) {
	priv, _, err := w.IdentityKey(account, index)
	if err != nil {
		return nil, err
	}
	key, err := libp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wallet: wrap libp2p identity: %w", err)
	}
	return key, nil
}

// RandomMnemonicEntropy produces cryptographically-secure random entropy
// of the given number of bits.
func RandomMnemonicEntropy(bits int) ([]byte, error) {
	if bits%32 != 0 {
		return nil, errors.New("wallet: entropy bits must be a multiple of 32")
	}
	b := make([]byte, bits/8)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wipe zeroes a byte slice in place (best-effort; the GC may have copied
// it already, but this covers the common case of an explicit zero-on-drop).
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
