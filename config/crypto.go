package config

import (
	"encoding/json"

	"p2pstore/crypto/sign"
)

// PrivKey wraps sign.PrivateKey to support JSON Marshal and Unmarshal transparently.
// The key is stored as base64 of its tagged binary encoding.
type PrivKey struct {
	*sign.PrivateKey
}

func (c *PrivKey) MarshalJSON() ([]byte, error) {
	if c.PrivateKey == nil {
		return json.Marshal(nil)
	}

	b, err := c.PrivateKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

func (c *PrivKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}

	// Valid case: no key defined
	if len(b) == 0 {
		c.PrivateKey = nil
		return nil
	}

	priv := &sign.PrivateKey{}
	if err := priv.UnmarshalBinary(b); err != nil {
		return err
	}

	c.PrivateKey = priv
	return nil
}

func (c *PrivKey) Valid() bool {
	return c.PrivateKey != nil
}
