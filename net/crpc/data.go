package crpc

import (
	"errors"
	"fmt"
	"sync"
)

type RequestHeader struct {
	Seq    uint64 `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
}

type ResponseHeader struct {
	Seq  uint64 `cbor:"1,keyasint,omitempty"`
	Err  string `cbor:"2,keyasint,omitempty"`
	Code string `cbor:"3,keyasint,omitempty"` // Registered error code, see RegisterError
}

// ServerError is an error returned by a remote method that carries no
// registered code.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var (
	errCodesMu sync.RWMutex
	errCodes   = map[string]error{}
)

// RegisterError assigns a wire code to a sentinel error. A handler error that
// wraps err reaches the caller wrapping the same sentinel, so errors.Is works
// across the connection. Both ends must register the same codes.
func RegisterError(code string, err error) {
	errCodesMu.Lock()
	defer errCodesMu.Unlock()
	errCodes[code] = err
}

func codeOf(err error) string {
	errCodesMu.RLock()
	defer errCodesMu.RUnlock()
	for code, sentinel := range errCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func errorFromResponse(h *ResponseHeader) error {
	errCodesMu.RLock()
	sentinel, ok := errCodes[h.Code]
	errCodesMu.RUnlock()
	if h.Code != "" && ok {
		return fmt.Errorf("%w (remote: %s)", sentinel, h.Err)
	}
	return ServerError(h.Err)
}
