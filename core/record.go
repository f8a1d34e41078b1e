package core

// Record model (§C2). Four record kinds share one address space:
//   - Chunk: immutable, content-addressed bytes.
//   - Pointer: owner-signed mutable reference with a monotonic counter.
//   - Scratchpad: owner-signed mutable blob with a monotonic counter.
//   - GraphEntry: owner-signed DAG node; see graph.go for its native-token
//     spend semantics.
//
// Canonical encoding is tagged-length-prefixed binary (not JSON): every
// byte field is written as a 4-byte big-endian length prefix followed by
// its raw bytes, and every integer as 8 fixed big-endian bytes, in a fixed
// field order per kind. This is what gets hashed/signed,
// and it is what two peers must agree on byte-for-byte to accept a record
// as identical. The wire envelope that carries a canonical-encoded record
// between peers is JSON (see transport.go), matching the pack's dominant
// wire idiom; only the signed payload itself is binary.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

type RecordKind uint8

const (
	KindChunk RecordKind = iota + 1
	KindPointer
	KindScratchpad
	KindGraphEntry
)

func (k RecordKind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindPointer:
		return "pointer"
	case KindScratchpad:
		return "scratchpad"
	case KindGraphEntry:
		return "graph_entry"
	default:
		return "unknown"
	}
}

// MaxGraphEntrySize bounds a GraphEntry's encoded size (ant-protocol's
// GraphEntry::MAX_SIZE).
const MaxGraphEntrySize = 100 * 1024

// MaxScratchpadSize bounds a Scratchpad's content.
const MaxScratchpadSize = 4 * 1024 * 1024

// MaxChunkSize bounds a Chunk's data.
const MaxChunkSize = 4 * 1024 * 1024

var (
	ErrRecordTooLarge  = errors.New("record: exceeds maximum size")
	ErrBadSignature    = errors.New("record: signature verification failed")
	ErrStaleCounter    = errors.New("record: counter not greater than existing")
	ErrAddressMismatch = errors.New("record: computed address does not match claimed address")
	ErrImmutable       = errors.New("record: immutable record cannot be overwritten with different content")
)

// Record is implemented by all four kinds; Address is always derivable from
// the record's own fields (content hash or owner-key hash), never supplied
// out of band, per I2.
type Record interface {
	Kind() RecordKind
	Address() Address
	Bytes() []byte
	SizeOf() int
}

//---------------------------------------------------------------------
// Chunk
//---------------------------------------------------------------------

type Chunk struct {
	Data []byte
}

func (c *Chunk) Kind() RecordKind  { return KindChunk }
func (c *Chunk) Address() Address  { return AddressOf(c.Data) }

// Bytes returns the canonical encoding: Data behind a 4-byte length prefix.
func (c *Chunk) Bytes() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, c.Data)
	return buf.Bytes()
}

func (c *Chunk) SizeOf() int       { return len(c.Data) }
func (c *Chunk) Validate() error {
	if len(c.Data) == 0 {
		return errors.New("chunk: empty data")
	}
	if len(c.Data) > MaxChunkSize {
		return ErrRecordTooLarge
	}
	return nil
}

//---------------------------------------------------------------------
// Pointer
//---------------------------------------------------------------------

type Pointer struct {
	Owner     OwnerKey
	Counter   uint64
	Target    Address
	Signature []byte
}

func (p *Pointer) Kind() RecordKind { return KindPointer }
func (p *Pointer) Address() Address { return AddressOfOwner(p.Owner) }
func (p *Pointer) SizeOf() int      { return len(p.encodeUnsigned()) + len(p.Signature) }

func (p *Pointer) encodeUnsigned() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, p.Owner[:])
	writeUint64(&buf, p.Counter)
	writeBytes(&buf, p.Target[:])
	return buf.Bytes()
}

// Bytes returns the canonical signed encoding.
func (p *Pointer) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(p.encodeUnsigned())
	writeBytes(&buf, p.Signature)
	return buf.Bytes()
}

// SignWith signs the pointer with a raw BLS secret key.
func (p *Pointer) SignWith(sign func([]byte) ([]byte, error)) error {
	sig, err := sign(p.encodeUnsigned())
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// Verify checks the pointer's signature against its own owner key.
func (p *Pointer) Verify() (bool, error) {
	return Verify(AlgoBLS, p.Owner[:], p.encodeUnsigned(), p.Signature)
}

//---------------------------------------------------------------------
// Scratchpad
//---------------------------------------------------------------------

type Scratchpad struct {
	Owner        OwnerKey
	Counter      uint64
	DataEncoding uint64
	Content      []byte
	Signature    []byte
}

func (s *Scratchpad) Kind() RecordKind { return KindScratchpad }
func (s *Scratchpad) Address() Address { return AddressOfOwner(s.Owner) }
func (s *Scratchpad) SizeOf() int      { return len(s.encodeUnsigned()) + len(s.Signature) }

func (s *Scratchpad) encodeUnsigned() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, s.Owner[:])
	writeUint64(&buf, s.Counter)
	writeUint64(&buf, s.DataEncoding)
	writeBytes(&buf, s.Content)
	return buf.Bytes()
}

func (s *Scratchpad) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(s.encodeUnsigned())
	writeBytes(&buf, s.Signature)
	return buf.Bytes()
}

func (s *Scratchpad) SignWith(sign func([]byte) ([]byte, error)) error {
	sig, err := sign(s.encodeUnsigned())
	if err != nil {
		return err
	}
	s.Signature = sig
	return nil
}

func (s *Scratchpad) Verify() (bool, error) {
	return Verify(AlgoBLS, s.Owner[:], s.encodeUnsigned(), s.Signature)
}

func (s *Scratchpad) Validate() error {
	if len(s.Content) > MaxScratchpadSize {
		return ErrRecordTooLarge
	}
	return nil
}

//---------------------------------------------------------------------
// canonical encoding helpers
//---------------------------------------------------------------------

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// AcceptMutation applies the split-record fork rule shared by Pointer and
// Scratchpad: a new version is only accepted if its counter is strictly
// greater than the locally held version's counter (I5).
func AcceptMutation(existingCounter, incomingCounter uint64) error {
	if incomingCounter <= existingCounter {
		return ErrStaleCounter
	}
	return nil
}

// DecodeRecord reconstructs a Record from its kind tag and canonical bytes,
// as produced by Bytes(). Used by store.go when reloading from disk and by
// replication.go when decoding PutValue, Replicate and Record bodies.
func DecodeRecord(kind RecordKind, raw []byte) (Record, error) {
	r := bytes.NewReader(raw)
	switch kind {
	case KindChunk:
		data, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return &Chunk{Data: data}, nil
	case KindPointer:
		owner, err := readFixed(r, 48)
		if err != nil {
			return nil, err
		}
		counter, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		target, err := readFixed(r, 32)
		if err != nil {
			return nil, err
		}
		sig, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		p := &Pointer{Counter: counter}
		copy(p.Owner[:], owner)
		copy(p.Target[:], target)
		p.Signature = sig
		return p, nil
	case KindScratchpad:
		owner, err := readFixed(r, 48)
		if err != nil {
			return nil, err
		}
		counter, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		enc, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		content, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		sig, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		s := &Scratchpad{Counter: counter, DataEncoding: enc, Content: content, Signature: sig}
		copy(s.Owner[:], owner)
		return s, nil
	case KindGraphEntry:
		return decodeGraphEntry(r)
	default:
		return nil, fmt.Errorf("record: unknown kind %d", kind)
	}
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readFixed(r *bytes.Reader, n int) ([]byte, error) {
	b, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("record: expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
