// Package pop3 implements the retrieval side of tern: a POP3 (RFC 1939)
// server over the file-backed mailbox store.
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// USER names the mailbox and is always accepted; PASS checks the password
// against the credential registry and loads the mailbox snapshot. Unknown
// users and wrong passwords get the same reply.
//
// # Supported Commands
//
// Authorization:
//   - USER: Specify username
//   - PASS: Provide password
//   - QUIT: End session
//
// Transaction:
//   - STAT: Get mailbox statistics
//   - LIST: List message sizes
//   - RETR: Retrieve a message
//   - DELE: Mark message for deletion
//   - RSET: Unmark deleted messages
//   - TOP: Get message headers + n lines
//   - UIDL: Get unique message IDs
//
// Any state:
//   - NOOP: No operation (keepalive)
//   - CAPA: List capabilities
//
// # Message Deletion
//
// Messages marked with DELE are only deleted when the session
// ends normally with QUIT. If the connection is closed abnormally,
// times out or the server shuts down, deletions are not applied.
//
// # UIDL Support
//
// The unique id of a message is its file name in the mailbox directory
// without the ".mail" suffix. File names never change, so ids are stable
// across sessions.
package pop3
