package protocol

import (
	"errors"
	"fmt"

	"p2pstore/datamodel/entry"
	"p2pstore/oid"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// Version is the wire protocol revision spoken by this build. Peers accept
// envelopes tagged with any version in [MinVersion, Version].
const (
	Version    uint32 = 1
	MinVersion uint32 = 1
)

var (
	ErrVersionMismatch = errors.New("unsupported protocol version")
	ErrMalformed       = errors.New("malformed message")
)

type MessageType uint8

const (
	TypeAdd MessageType = iota + 1
	TypeRefresh
	TypeRemove
	TypeSnapshotRequest
	TypeSnapshotResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeAdd:
		return "add"
	case TypeRefresh:
		return "refresh"
	case TypeRemove:
		return "remove"
	case TypeSnapshotRequest:
		return "snapshot-request"
	case TypeSnapshotResponse:
		return "snapshot-response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsMutation reports whether the type is flooded through the swarm.
func (t MessageType) IsMutation() bool {
	return t == TypeAdd || t == TypeRefresh || t == TypeRemove
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Envelope wraps every wire message with the protocol version of its sender.
// An envelope is never modified after construction; relays forward the
// original frame bytes.
type Envelope struct {
	V    uint32          `cbor:"1,keyasint"`
	T    MessageType     `cbor:"2,keyasint"`
	Body cbor.RawMessage `cbor:"3,keyasint"`
}

func (e *Envelope) Version() uint32 {
	return e.V
}

func (e *Envelope) Type() MessageType {
	return e.T
}

// ID identifies the signed message carried by the envelope. The version tag is
// excluded so the same mutation relayed by peers of different revisions dedups.
func (e *Envelope) ID() [32]byte {
	h := sha3.New256()
	h.Write([]byte{byte(e.T)})
	h.Write(e.Body)
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// CheckVersion verifies that a remote version is one this build can process.
func CheckVersion(v uint32) error {
	if v < MinVersion || v > Version {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrVersionMismatch, v, MinVersion, Version)
	}
	return nil
}

// Encode serializes body into an envelope tagged with the running version.
func Encode(t MessageType, body any) ([]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(&Envelope{V: Version, T: t, Body: raw})
}

// Decode parses a frame into an envelope. The body is left undecoded.
func Decode(frame []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := decMode.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Body) == 0 || (len(env.Body) == 1 && env.Body[0] == 0xf6) {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	return env, nil
}

// DecodeBody decodes the envelope body into v.
func (e *Envelope) DecodeBody(v any) error {
	if err := decMode.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, e.T, err)
	}
	return nil
}

// MessageID computes the envelope ID a message would have once encoded.
func MessageID(t MessageType, body any) ([32]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return [32]byte{}, err
	}
	env := Envelope{T: t, Body: raw}
	return env.ID(), nil
}

// AddMessage requests insertion of a new key, or an update with a higher sequence.
type AddMessage struct {
	Entry *entry.Entry `cbor:"1,keyasint"`
}

// RefreshMessage extends the lifetime of a stored entry without changing its payload.
type RefreshMessage struct {
	Key       oid.Oid `cbor:"1,keyasint"`
	Sequence  uint64  `cbor:"2,keyasint"`
	ExpiresAt int64   `cbor:"3,keyasint"` // Unix milliseconds
	Signature []byte  `cbor:"4,keyasint"`
}

// RemoveMessage deletes a stored entry.
type RemoveMessage struct {
	Key       oid.Oid `cbor:"1,keyasint"`
	Sequence  uint64  `cbor:"2,keyasint"`
	Signature []byte  `cbor:"3,keyasint"`
}

// SnapshotRequest asks a peer for all of its current entries.
type SnapshotRequest struct {
	ChunkSize uint32 `cbor:"1,keyasint,omitempty"` // Preferred entries per response, 0 for the responder's default
}

// SnapshotResponse carries one chunk of a peer's store.
type SnapshotResponse struct {
	Chunk   uint32         `cbor:"1,keyasint"`
	Last    bool           `cbor:"2,keyasint,omitempty"`
	Entries []*entry.Entry `cbor:"3,keyasint,omitempty"`
}

// PeerAnnouncementMessage is multicast on the LAN so nodes can find each other.
type PeerAnnouncementMessage struct {
	NodeID    oid.Oid  `cbor:"1,keyasint"`           // Node identifier
	Addresses []string `cbor:"2,keyasint,omitempty"` // Peer listener addresses
	Version   uint32   `cbor:"3,keyasint,omitempty"` // Protocol version of the announcing node
	Entries   uint64   `cbor:"4,keyasint,omitempty"` // Number of entries held by the announcing node
}
