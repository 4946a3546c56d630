package model

import "errors"

// Sentinel errors shared across packages. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrUnknownRole indicates a registration request with an
	// unrecognized node role.
	ErrUnknownRole = errors.New("unknown node role")

	// ErrUnexpectedPacket indicates a response frame whose type does not
	// match the request that was just issued.
	ErrUnexpectedPacket = errors.New("unexpected packet type")

	// ErrPayloadTooLarge indicates a frame header announcing a payload
	// beyond the wire limit.
	ErrPayloadTooLarge = errors.New("payload exceeds wire limit")

	// ErrNotFound indicates a missing entity (pool entry, archive row).
	ErrNotFound = errors.New("not found")
)
