package transporttest

import (
	"io"

	"github.com/pkg/sftp"
)

type pipeConn struct {
	io.Reader
	io.WriteCloser
	closeReader func() error
}

func (p pipeConn) Close() error {
	err := p.WriteCloser.Close()
	if cerr := p.closeReader(); err == nil {
		err = cerr
	}
	return err
}

// NewMemSFTP connects an SFTP client to an in-memory request server; stop
// closes both ends.
func NewMemSFTP() (client *sftp.Client, stop func(), err error) {
	return NewSFTPWithHandlers(sftp.InMemHandler())
}

// NewSFTPWithHandlers is NewMemSFTP with caller-supplied handlers, so the
// same backing store can serve several clients.
func NewSFTPWithHandlers(h sftp.Handlers) (*sftp.Client, func(), error) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server := sftp.NewRequestServer(pipeConn{
		Reader:      serverRead,
		WriteCloser: serverWrite,
		closeReader: serverRead.Close,
	}, h)
	go server.Serve()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	// The request server never closes its writer, so the client's reader
	// must be closed before client.Close can return.
	stop := func() {
		clientRead.Close()
		client.Close()
		server.Close()
	}
	return client, stop, nil
}
