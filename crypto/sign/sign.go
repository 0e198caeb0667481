// Package sign holds the signature collaborators used to authorize entry
// mutations. Public keys are algorithm tagged so that peers running different
// key types can share a swarm.
package sign

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

type Algorithm byte

const (
	AlgEd25519    Algorithm = 0x01
	AlgDilithium3 Algorithm = 0x02
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrInvalidKey           = errors.New("invalid key encoding")
)

func (a Algorithm) String() string {
	switch a {
	case AlgEd25519:
		return "ed25519"
	case AlgDilithium3:
		return "dilithium3"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

// PublicKey is encoded as <algorithm:1><raw key bytes>.
type PublicKey []byte

func (k PublicKey) Algorithm() Algorithm {
	if len(k) == 0 {
		return 0
	}
	return Algorithm(k[0])
}

func (k PublicKey) Raw() []byte {
	if len(k) == 0 {
		return nil
	}
	return k[1:]
}

func (k PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(k, other)
}

// Valid reports whether the key has a known algorithm and the right length.
func (k PublicKey) Valid() bool {
	switch k.Algorithm() {
	case AlgEd25519:
		return len(k.Raw()) == ed25519.PublicKeySize
	case AlgDilithium3:
		return len(k.Raw()) == mode3.PublicKeySize
	default:
		return false
	}
}

func (k PublicKey) String() string {
	raw := k.Raw()
	if len(raw) > 8 {
		raw = raw[:8]
	}
	return k.Algorithm().String() + ":" + hex.EncodeToString(raw)
}

// Verifier checks a signature against a public key and message bytes.
// A non-nil error means the backend could not validate at all; callers must
// treat that as a rejection.
type Verifier interface {
	Verify(pub PublicKey, message, signature []byte) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(pub PublicKey, message, signature []byte) (bool, error)

func (f VerifierFunc) Verify(pub PublicKey, message, signature []byte) (bool, error) {
	return f(pub, message, signature)
}

var _ Verifier = StandardVerifier{}

// StandardVerifier verifies ed25519 and dilithium3 signatures locally.
type StandardVerifier struct{}

func (StandardVerifier) Verify(pub PublicKey, message, signature []byte) (bool, error) {
	switch pub.Algorithm() {
	case AlgEd25519:
		if len(pub.Raw()) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Raw()), message, signature), nil
	case AlgDilithium3:
		if len(signature) != mode3.SignatureSize {
			return false, nil
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Raw()); err != nil {
			return false, nil
		}
		return mode3.Verify(&pk, message, signature), nil
	default:
		return false, nil
	}
}

// Signer produces signatures for a single key pair.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) ([]byte, error)
}

var _ Signer = (*PrivateKey)(nil)

// PrivateKey is a tagged private key for one of the supported algorithms.
type PrivateKey struct {
	alg Algorithm
	ed  ed25519.PrivateKey
	d3  *mode3.PrivateKey
	pub PublicKey
}

func GenerateKey(alg Algorithm, rand io.Reader) (*PrivateKey, error) {
	switch alg {
	case AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, ed: priv, pub: tag(alg, pub)}, nil
	case AlgDilithium3:
		pub, priv, err := mode3.GenerateKey(rand)
		if err != nil {
			return nil, err
		}
		raw, err := pub.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, d3: priv, pub: tag(alg, raw)}, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func tag(alg Algorithm, raw []byte) PublicKey {
	k := make(PublicKey, 0, len(raw)+1)
	k = append(k, byte(alg))
	return append(k, raw...)
}

func (k *PrivateKey) Algorithm() Algorithm {
	return k.alg
}

func (k *PrivateKey) PublicKey() PublicKey {
	return k.pub
}

func (k *PrivateKey) Sign(message []byte) ([]byte, error) {
	switch k.alg {
	case AlgEd25519:
		return ed25519.Sign(k.ed, message), nil
	case AlgDilithium3:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.d3, message, sig)
		return sig, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// MarshalBinary encodes the key as <algorithm:1><raw private key>.
func (k *PrivateKey) MarshalBinary() ([]byte, error) {
	switch k.alg {
	case AlgEd25519:
		return append([]byte{byte(k.alg)}, k.ed...), nil
	case AlgDilithium3:
		raw, err := k.d3.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(k.alg)}, raw...), nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func (k *PrivateKey) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return ErrInvalidKey
	}
	alg, raw := Algorithm(data[0]), data[1:]
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PrivateKeySize {
			return ErrInvalidKey
		}
		priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(priv, raw)
		*k = PrivateKey{alg: alg, ed: priv, pub: tag(alg, priv.Public().(ed25519.PublicKey))}
	case AlgDilithium3:
		var priv mode3.PrivateKey
		if err := priv.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, err := priv.Public().(*mode3.PublicKey).MarshalBinary()
		if err != nil {
			return err
		}
		*k = PrivateKey{alg: alg, d3: &priv, pub: tag(alg, pub)}
	default:
		return ErrUnsupportedAlgorithm
	}
	return nil
}
