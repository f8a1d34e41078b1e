package core

// Address space primitives for the storage network. An Address is the
// 256-bit key used for both content addressing (Chunk) and owner-key
// addressing (Pointer/Scratchpad/GraphEntry). Content addresses are the
// SHA-256 digest of the record's bytes; owner addresses are the SHA-256
// digest of a 48-byte compressed BLS12-381 public key. Keeping both in the
// same key space is what lets the routing table and close-group logic stay
// oblivious to record kind.

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
	bls.SetETHmode(bls.EthModeDraft07)
}

// Address is the 256-bit key space shared by content hashes and owner-key
// hashes.
type Address [32]byte

// AddressOf returns the content address of data (I2: Chunk address = sha256(data)).
func AddressOf(data []byte) Address {
	return sha256.Sum256(data)
}

// OwnerKey is a compressed BLS12-381 public key (48 bytes).
type OwnerKey [48]byte

// AddressOfOwner returns the address an owner key resolves to for routing
// and storage purposes.
func AddressOfOwner(owner OwnerKey) Address {
	return sha256.Sum256(owner[:])
}

func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

func (a Address) Short() string {
	full := a.Hex()
	if len(full) <= 8 {
		return full
	}
	return full[:4] + ".." + full[len(full)-4:]
}

func (a Address) String() string { return a.Hex() }

// CID renders the address as a CIDv1/raw multihash string, for logs and
// external tooling that expects content identifiers rather than raw hex.
func (a Address) CID() string {
	digest, err := mh.Encode(a[:], mh.SHA2_256)
	if err != nil {
		return a.Hex()
	}
	return cid.NewCidV1(cid.Raw, digest).String()
}

// Distance returns the XOR distance between two addresses as a big.Int,
// used throughout the Kademlia routing table (§4.4).
func Distance(a, b Address) *big.Int {
	var x [32]byte
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(x[:])
}

// CommonPrefixLen returns the number of leading bits shared between a and b,
// i.e. the bucket index into a 256-bucket routing table.
func CommonPrefixLen(a, b Address) int {
	for i := 0; i < 32; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return 256
}

// Closer reports whether a is strictly closer to target than b. Ties in XOR
// distance are broken by ascending peer-id bytes (§4.4) so that routing
// table ordering is a deterministic total order across nodes, not just a
// distance-based partial order.
func Closer(target, a, b Address) bool {
	if cmp := Distance(target, a).Cmp(Distance(target, b)); cmp != 0 {
		return cmp < 0
	}
	return bytes.Compare(a[:], b[:]) < 0
}

//---------------------------------------------------------------------
// Hardened child-key derivation (C1 derive_child)
//---------------------------------------------------------------------

const masterSecretHMACKey = "autonomi master secret"

// DeriveChild derives a BLS12-381 secret key for the given 16-bit index from
// a 32-byte master secret, following the same hardened HMAC-SHA512 ladder the
// node identity wallet uses for its own account/index derivation, but
// targeting a BLS scalar instead of an ed25519 seed since descendant owner
// keys in a GraphEntry (§4.9) are BLS.
func DeriveChild(masterSecret []byte, index uint16) (*bls.SecretKey, error) {
	if len(masterSecret) < 16 {
		return nil, errors.New("master secret too short")
	}
	data := make([]byte, len(masterSecret)+2)
	copy(data, masterSecret)
	binary.BigEndian.PutUint16(data[len(masterSecret):], index)

	mac := hmac.New(sha512.New, []byte(masterSecretHMACKey))
	mac.Write(data)
	sum := mac.Sum(nil)

	var sk bls.SecretKey
	sk.SetLittleEndian(sum[:32])
	return &sk, nil
}

// OwnerKeyFromSecret returns the compressed public key bytes for a BLS secret key.
func OwnerKeyFromSecret(sk *bls.SecretKey) OwnerKey {
	pub := sk.GetPublicKey()
	var out OwnerKey
	copy(out[:], pub.Serialize())
	return out
}
