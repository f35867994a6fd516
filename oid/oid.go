// Package oid implements typed object identifiers.
// A file OID names file content by its SHA-256 digest, a session OID is random and names a
// single transfer session in logs and on the wire.
package oid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"
	"hash"
	"io"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypeFile    = 0x00 // SHA-256 of file content
	OidTypeSession = 0x01 // Random, one per transfer session

	OidPaddingByte = 0xAA

	oidLength = 35
)

var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Byte structure of an OID is as follows <version:1><padding:1><type:1><hash:32>
// Raw bytes are encoded by unpadded Base32.

// Oid holds the binary representation of the OID along with the cached type and string form.
// Oid implements the MarshalBinary and UnmarshalBinary interfaces so it travels through CBOR
// as a compact byte string.
type Oid struct {
	b [oidLength]byte
	t OidType
	s string
}

func (o *Oid) String() string {
	return o.s
}

func (o *Oid) Type() OidType {
	return o.t
}

// IsZero reports whether the OID was never set.
func (o *Oid) IsZero() bool {
	return o == nil || o.s == ""
}

func (o *Oid) MarshalBinary() ([]byte, error) {
	if o.IsZero() {
		return []byte{}, nil
	}
	return o.b[:], nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*o = Oid{}
		return nil
	}

	switch data[0] {
	case OidVersionV01:
		if len(data) != oidLength {
			return ErrorInvalidOidFormat
		}
		if data[1] != OidPaddingByte {
			return ErrorInvalidOidFormat
		}
		o.t = OidType(data[2])
		o.s = encoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o *Oid) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Oid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*o = Oid{}
		return nil
	}

	oid, err := FromString(s)
	if err != nil {
		return err
	}
	*o = *oid
	return nil
}

func Encode(t OidType, sum [32]byte) *Oid {
	oidbytes := make([]byte, 0, oidLength)
	oidbytes = append(oidbytes, byte(OidVersionV01), OidPaddingByte, byte(t))
	oidbytes = append(oidbytes, sum[:]...)

	o := &Oid{
		t: t,
		s: encoding.EncodeToString(oidbytes),
	}
	copy(o.b[:], oidbytes)
	return o
}

func FromString(s string) (*Oid, error) {
	oidBytes, err := encoding.DecodeString(s)
	if err != nil {
		return nil, ErrorInvalidOidString
	}

	o := &Oid{}
	if err := o.UnmarshalBinary(oidBytes); err != nil {
		return nil, err
	}
	if o.IsZero() {
		return nil, ErrorInvalidOidString
	}
	return o, nil
}

// Random creates an OID of the given type from 32 random bytes.
func Random(t OidType) (*Oid, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return Encode(t, buf), nil
}

// Digest computes a file OID by hashing everything r yields.
func Digest(r io.Reader) (*Oid, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, err
	}
	return h.Oid(), n, nil
}

// Hasher accumulates written bytes into a file OID.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

func (h *Hasher) Oid() *Oid {
	var sum [32]byte
	copy(sum[:], h.h.Sum(nil))
	return Encode(OidTypeFile, sum)
}

// Equal helper
func (o *Oid) Equal(other *Oid) bool {
	if o.IsZero() && other.IsZero() {
		return true
	}
	if o.IsZero() || other.IsZero() {
		return false
	}
	return o.b == other.b
}
