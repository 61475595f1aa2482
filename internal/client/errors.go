package client

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable covers transport and authentication failures talking to a panel
	ErrUnreachable = errors.New("panel unreachable")

	// ErrNotFound is returned when a requested panel object does not exist
	ErrNotFound = errors.New("not found")

	// ErrInboundNotFound is returned when the configured inbound is absent on the panel
	ErrInboundNotFound = fmt.Errorf("inbound %w", ErrNotFound)

	// ErrPanelRejected is returned when the panel accepted the session but refused a write
	ErrPanelRejected = errors.New("panel rejected request")
)
