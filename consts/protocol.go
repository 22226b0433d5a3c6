package consts

// MessageFileSuffix marks files in a mailbox directory that hold messages.
const MessageFileSuffix = ".mail"

// DeliveryBufferSize is the amount of message data buffered before it is
// written out to every recipient.
const DeliveryBufferSize = 4096

const (
	ProtocolPOP3 = "pop3"
	ProtocolSMTP = "smtp"
)
