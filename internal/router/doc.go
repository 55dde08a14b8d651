// Package router is the frame switchboard. Every decoded frame enters
// through Dispatch, which reads the leading command (one byte, or eight
// bytes when confirmation flags ride along), performs the confirmation
// bookkeeping, and routes the frame to registration, discovery, command
// forwarding, OTA or log delivery.
//
// The router never interprets command payloads destined for boards; frames
// addressed to another peer are forwarded byte for byte so board firmware
// and web clients stay free to extend their own payloads.
package router
