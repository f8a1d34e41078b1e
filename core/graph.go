package core

// GraphEntry (§4.9, §C9): an owner-signed DAG node. When a GraphEntry's
// MonetaryID is zero it additionally functions as a native-token spend
// record, with descendants carrying a (recipient owner key, payment detail)
// pair derived from the spender's BLS key via DeriveChild. Field order and
// descendant layout are grounded on ant-protocol's GraphEntry/PaymentDetails
// (owner, parents, content, descendants, signature).

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// GraphDescendant is one outgoing edge: the descendant's owner key plus a
// 32-byte content blob. When the entry is a native-token spend, Content is
// laid out as PaymentDetails: bytes 0..4 a record-key hash prefix,
// 4..20 a derivation index, 20..32 a little-endian amount.
type GraphDescendant struct {
	Owner   OwnerKey
	Content [32]byte
}

type GraphEntry struct {
	Owner       OwnerKey
	Parents     []OwnerKey
	Content     [32]byte
	Descendants []GraphDescendant
	MonetaryID  uint64
	Signature   []byte
}

func (g *GraphEntry) Kind() RecordKind { return KindGraphEntry }
func (g *GraphEntry) Address() Address { return AddressOfOwner(g.Owner) }
func (g *GraphEntry) SizeOf() int      { return len(g.Bytes()) }

// IsNativeSpend reports whether this entry doubles as a native-token spend.
func (g *GraphEntry) IsNativeSpend() bool { return g.MonetaryID == 0 }

func (g *GraphEntry) encodeUnsigned() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, g.Owner[:])
	writeUint64(&buf, uint64(len(g.Parents)))
	for _, p := range g.Parents {
		writeBytes(&buf, p[:])
	}
	writeBytes(&buf, g.Content[:])
	writeUint64(&buf, uint64(len(g.Descendants)))
	for _, d := range g.Descendants {
		writeBytes(&buf, d.Owner[:])
		writeBytes(&buf, d.Content[:])
	}
	writeUint64(&buf, g.MonetaryID)
	return buf.Bytes()
}

func (g *GraphEntry) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(g.encodeUnsigned())
	writeBytes(&buf, g.Signature)
	return buf.Bytes()
}

func (g *GraphEntry) SignWith(sign func([]byte) ([]byte, error)) error {
	sig, err := sign(g.encodeUnsigned())
	if err != nil {
		return err
	}
	g.Signature = sig
	return nil
}

func (g *GraphEntry) Verify() (bool, error) {
	return Verify(AlgoBLS, g.Owner[:], g.encodeUnsigned(), g.Signature)
}

func (g *GraphEntry) Validate() error {
	if len(g.Bytes()) > MaxGraphEntrySize {
		return ErrRecordTooLarge
	}
	if len(g.Parents) == 0 && len(g.Descendants) == 0 {
		return errors.New("graph_entry: isolated node with no parents or descendants")
	}
	return nil
}

// PaymentDetail decodes the PaymentDetails layout out of a descendant's
// Content when this entry is a native spend.
type PaymentDetail struct {
	RecordKeyHash   [4]byte
	DerivationIndex [16]byte
	Amount          uint64
}

func DecodePaymentDetail(content [32]byte) PaymentDetail {
	var pd PaymentDetail
	copy(pd.RecordKeyHash[:], content[0:4])
	copy(pd.DerivationIndex[:], content[4:20])
	pd.Amount = binary.LittleEndian.Uint64(content[20:28])
	return pd
}

func EncodePaymentDetail(pd PaymentDetail) [32]byte {
	var content [32]byte
	copy(content[0:4], pd.RecordKeyHash[:])
	copy(content[4:20], pd.DerivationIndex[:])
	binary.LittleEndian.PutUint64(content[20:28], pd.Amount)
	return content
}

// InputAmount decodes this entry's own native-token input amount, laid out
// at Content[20:32] (§4.9's u96 LE field, truncated to the low 8 bytes —
// amounts this module deals with never approach the u96 ceiling).
func (g *GraphEntry) InputAmount() uint64 {
	return binary.LittleEndian.Uint64(g.Content[20:28])
}

// EncodeInputAmount sets Content[20:32] to amount, leaving the rest of
// Content (reserved for a future monetary-id-in-content layout) untouched.
func (g *GraphEntry) EncodeInputAmount(amount uint64) {
	binary.LittleEndian.PutUint64(g.Content[20:28], amount)
}

func decodeGraphEntry(r *bytes.Reader) (Record, error) {
	owner, err := readFixed(r, 48)
	if err != nil {
		return nil, err
	}
	numParents, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	parents := make([]OwnerKey, numParents)
	for i := range parents {
		pb, err := readFixed(r, 48)
		if err != nil {
			return nil, err
		}
		copy(parents[i][:], pb)
	}
	content, err := readFixed(r, 32)
	if err != nil {
		return nil, err
	}
	numDesc, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	descendants := make([]GraphDescendant, numDesc)
	for i := range descendants {
		ob, err := readFixed(r, 48)
		if err != nil {
			return nil, err
		}
		cb, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		copy(descendants[i].Owner[:], ob)
		copy(descendants[i].Content[:], cb)
	}
	monetaryID, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	g := &GraphEntry{Parents: parents, Descendants: descendants, MonetaryID: monetaryID, Signature: sig}
	copy(g.Owner[:], owner)
	copy(g.Content[:], content)
	return g, nil
}

//---------------------------------------------------------------------
// Native-token spend validation
//---------------------------------------------------------------------

// SpendGraph validates a chain of native-token GraphEntries, detecting
// double-spends: a double-spend is any two GraphEntries sharing the same
// owner address whose canonical encodings differ in any field (a classic
// fork, since a well-behaved spender only ever writes one entry per owner
// key).
type SpendGraph struct {
	fetch func(Address) (*GraphEntry, error)
}

func NewSpendGraph(fetch func(Address) (*GraphEntry, error)) *SpendGraph {
	return &SpendGraph{fetch: fetch}
}

// ValidateSpend runs §4.9's checks other than step 5 (the payment-proof
// check, done separately by VerifyPaymentProof): signature and structural
// validity, parent ancestry, native-token conservation (P7) in both
// directions — what g claims to have received must equal what its parents
// actually paid it, and what g pays its own descendants must not exceed
// that — and double-spend detection against a conflicting sibling entry at
// the same address. A genesis entry (no parents, nonzero input) skips the
// parent-payout check since there is nothing upstream to reconcile against.
func (sg *SpendGraph) ValidateSpend(g *GraphEntry) error {
	if !g.IsNativeSpend() {
		return errors.New("spend_graph: not a native-token entry")
	}
	if ok, err := g.Verify(); err != nil || !ok {
		return ErrBadSignature
	}
	if err := g.Validate(); err != nil {
		return err
	}

	if len(g.Parents) > 0 {
		var totalPayout uint64
		for _, parentOwner := range g.Parents {
			parentAddr := AddressOfOwner(parentOwner)
			parent, err := sg.fetch(parentAddr)
			if err != nil {
				return fmt.Errorf("spend_graph: missing parent %s: %w", parentAddr.Short(), err)
			}
			payout := payoutTo(parent, g.Owner)
			if payout == 0 {
				return fmt.Errorf("spend_graph: parent %s does not pay out to %s", parentAddr.Short(), g.Address().Short())
			}
			totalPayout += payout
		}
		if totalPayout != g.InputAmount() {
			return fmt.Errorf("spend_graph: parent payouts sum to %d, input amount claims %d", totalPayout, g.InputAmount())
		}
	}

	var totalOut uint64
	for _, d := range g.Descendants {
		totalOut += DecodePaymentDetail(d.Content).Amount
	}
	if totalOut > g.InputAmount() {
		return fmt.Errorf("spend_graph: descendants sum to %d, exceeding input amount %d", totalOut, g.InputAmount())
	}

	existing, err := sg.fetch(g.Address())
	if err == nil && existing != nil {
		if !bytes.Equal(existing.Bytes(), g.Bytes()) {
			return fmt.Errorf("spend_graph: double spend detected at %s", g.Address().Short())
		}
	}
	return nil
}

// payoutTo returns the amount parent's descendant list pays out to owner,
// or 0 if owner is not among parent's descendants.
func payoutTo(parent *GraphEntry, owner OwnerKey) uint64 {
	for _, d := range parent.Descendants {
		if d.Owner == owner {
			return DecodePaymentDetail(d.Content).Amount
		}
	}
	return 0
}

// derivationIndexUint16 adapts a PaymentDetail's 16-byte derivation index
// field to DeriveChild's uint16 parameter, reading the index from the
// field's first two bytes (big-endian); the remaining bytes are reserved.
func derivationIndexUint16(idx [16]byte) uint16 {
	return binary.BigEndian.Uint16(idx[:2])
}

// VerifyPaymentProof implements §4.9 step 5: a payment proof for record
// recordAddr holds against this native-token spend entry iff some
// descendant's payment detail references recordAddr's hash, re-deriving
// that descendant's owner key from the recipient's master secret at the
// detail's derivation index reproduces the descendant's own owner key, and
// the amount paid meets or exceeds quotedPrice.
func (g *GraphEntry) VerifyPaymentProof(recordAddr Address, recipientMaster []byte, quotedPrice uint64) (bool, error) {
	if !g.IsNativeSpend() {
		return false, errors.New("graph_entry: not a native-token spend")
	}
	want := sha256Sum(recordAddr[:])
	for _, d := range g.Descendants {
		pd := DecodePaymentDetail(d.Content)
		if !bytes.Equal(pd.RecordKeyHash[:], want[:4]) {
			continue
		}
		sk, err := DeriveChild(recipientMaster, derivationIndexUint16(pd.DerivationIndex))
		if err != nil {
			return false, err
		}
		if OwnerKeyFromSecret(sk) != d.Owner {
			continue
		}
		if pd.Amount >= quotedPrice {
			return true, nil
		}
	}
	return false, nil
}
