package codec

import (
	"nx-ipc/message"
	"nx-ipc/protocol"
)

// WriteClose marshals the notification that tears down a session. It has no
// data words and no response is read. in may be nil.
func WriteClose(buf *protocol.Buffer, in *message.InParams) {
	if in == nil {
		in = &message.InParams{}
	}
	WriteCommand(buf, protocol.CommandTypeClose, in, 0)
}
