// Package confirm implements delivery tracking for messages flagged with
// the needs-confirmation bit. Tracked frames are retried once a second by
// replaying them through the router until the recipient acknowledges with
// the is-confirmation bit set, or ten retries have been burned.
//
// Recipient connection loss does not cancel a pending entry; retries keep
// targeting whatever connection currently answers to the recipient's id,
// which lets acknowledgments survive a quick reconnect.
package confirm
