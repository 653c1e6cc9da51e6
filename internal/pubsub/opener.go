package pubsub

import "os"

// OSPipeOpener opens a session's notification FIFO for writing. The open
// call blocks until the client has the read end open too, matching every
// other pipe handshake in the wire protocol.
type OSPipeOpener struct{}

func (OSPipeOpener) OpenNotifWriter(path string) (WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}
