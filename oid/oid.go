package oid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"
)

type OidType int

const (
	OidVersionV01 = 0x01

	OidTypeEntry = 0x10 // Protected storage entry. Derived from the entry's payload and owner.
	OidTypeNode  = 0x11 // Swarm node. Derived from the node's public key.

	OidPaddingByte = 0xAA

	oidLength = 35
)

var ErrorHashNot32Bytes = errors.New("hash must be 32 bytes")
var ErrorInvalidOidString = errors.New("invalid OID string")
var ErrorInvalidOidFormat = errors.New("invalid OID format")

// Byte structure of an OID is as follows <version:1><padding:1><type:1><hash:32>
// Raw bytes are encoded by Base32.
//
// Oid is a comparable value and may be used as a map key. The zero value is
// not a valid identifier (see IsZero). Oid implements the BinaryMarshaler
// interfaces so that CBOR encodes it as a single byte string.
type Oid struct {
	b [oidLength]byte
	t OidType
	s string
}

func (o Oid) String() string {
	return o.s
}

func (o Oid) Type() OidType {
	return o.t
}

// Hash returns the 32 byte digest carried by the identifier.
func (o Oid) Hash() [32]byte {
	var h [32]byte
	copy(h[:], o.b[3:])
	return h
}

func (o Oid) IsZero() bool {
	return o.b[0] == 0
}

func (o Oid) MarshalBinary() ([]byte, error) {
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
		o.s = base32.StdEncoding.EncodeToString(data)
		copy(o.b[:], data)
	default:
		return ErrorInvalidOidFormat
	}

	return nil
}

func (o Oid) MarshalJSON() ([]byte, error) {
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

	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

func Encode(t OidType, hash [32]byte) (*Oid, error) {
	oidbytes := make([]byte, 0, oidLength)

	// Add version, padding and type
	oidbytes = append(oidbytes, byte(OidVersionV01))
	oidbytes = append(oidbytes, OidPaddingByte)
	oidbytes = append(oidbytes, byte(t))
	oidbytes = append(oidbytes, hash[:]...)

	o := &Oid{
		t: t,
		s: base32.StdEncoding.EncodeToString(oidbytes),
	}
	copy(o.b[:], oidbytes)
	return o, nil
}

// FromContent derives an identifier of the given type from arbitrary content bytes.
func FromContent(t OidType, content []byte) Oid {
	o, _ := Encode(t, sha256.Sum256(content))
	return *o
}

func FromString(s string) (*Oid, error) {
	oidBytes, err := base32.StdEncoding.DecodeString(s)
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

func FromStringMustParse(s string) *Oid {
	o, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse OID: %v", err)
	}
	return o
}

func Random(t OidType) (*Oid, error) {
	// Generate 32 random bytes and craft a OID
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	if err != nil {
		return nil, err
	}

	return Encode(t, [32]byte(buf))
}

// Equal helper
func (o *Oid) Equal(other *Oid) bool {
	if o == nil && other == nil {
		return true
	}
	if o == nil || other == nil {
		return false
	}
	return o.b == other.b
}
