// Package smtp implements the submission side of tern: a small SMTP
// (RFC 5321) server that delivers accepted messages into the mailbox store.
//
// # Session States
//
//	Initial → Greeted → [SenderSet → RecipientsSet]* → Data → Greeted
//
// EHLO or HELO is required before MAIL, MAIL before RCPT, and at least one
// accepted recipient before DATA. Commands out of sequence get 503, bad
// arguments 501 and unknown commands 502; the session continues in every
// case. VRFY, NOOP, RSET, HELP and QUIT work in any state.
//
// # Recipients
//
// RCPT TO accepts any address that resolves to a registered user: the whole
// address first, then the local part of user@domain. Unknown recipients get
// 550 without aborting the transaction. A recipient given twice receives two
// copies.
//
// # Delivery
//
// The body is read up to the line holding a single dot. Line terminators are
// kept as sent and dot-stuffed lines are restored. The message is then
// written to every recipient mailbox through a storage.DeliveryWriter that
// exists only for this DATA command. A delivery failure is answered with 451
// and the connection is closed.
package smtp
