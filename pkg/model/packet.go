package model

// PacketType discriminates messages on the cluster wire protocol.
type PacketType = uint32

// Wire message types. The dispatcher initiates every exchange except the
// initial registration request.
const (
	PacketInvalid PacketType = iota

	// Registration (worker -> dispatcher).
	PacketRequestVMNode
	PacketRequestSVMNode

	// Configuration and provisioning.
	PacketConfig
	PacketImageInfo
	PacketImageInfoRequest
	PacketImage
	PacketCommence

	// Round-trip data exchange.
	PacketStatusRequest
	PacketStatus
	PacketTraceRequest
	PacketTrace
	PacketTestCaseRequest
	PacketTestCase
	PacketErrorLogRequest
	PacketErrorLog

	// Target lifecycle control.
	PacketReset
	PacketNextTarget
)

// PacketInfo is the fixed-size frame header preceding every payload:
// the addressed worker id, the message type, and the payload size in bytes.
type PacketInfo struct {
	ID   uint32
	Type uint32
	Size uint32
}
