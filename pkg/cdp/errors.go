package cdp

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by Send when the transport has been closed,
// either explicitly or because the underlying socket failed.
var ErrConnectionClosed = errors.New("cdp: connection closed")

// ErrDetached is returned by Send on a session that has been detached.
var ErrDetached = errors.New("cdp: session detached")

// Error is a protocol-level error response from the browser.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error renders the error the way the protocol reports it: "<code> <message>".
func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}
