// Package protocol defines the boardlink relay command vocabulary.
//
// Every frame exchanged with the relay starts with a command: either a bare
// opcode byte, or a 64-bit command word that carries the opcode in its low
// byte plus piggy-backed metadata in the upper bits.
//
// # Command Word Layout
//
// The wide form packs, most significant bits first:
//
//	[63-56] header flags (FlagNeedsConfirm, FlagIsConfirm, MaskTargetPos)
//	[55-24] 32-bit message id, filled in by the server
//	[23-8]  reserved
//	[7-0]   opcode
//
// A frame whose command sets FlagNeedsConfirm is tracked by the confirmation
// engine and retried until a frame with FlagIsConfirm arrives carrying the
// same message id.
//
// # Opcode Directions
//
//	0x0C board->server   liveness probe, answered with 0xC0
//	0xC0 both            liveness acknowledgment
//	0x80 board->server   registration / token challenge response
//	0xAB admin->server   start OTA transfer
//	0xAC board->server   request OTA block
//	0xAE server->admin   OTA progress report
//	0xAF user->server    device discovery broadcast (rate limited)
//	0xBB user->server    forward command frame to a board
//	0xFA board->server   self-description routed back to the asking admin
//	0xFB board->server   log line routed to an admin or a parked HTTP waiter
//
// Unrecognized opcodes are dropped by the router.
package protocol
