package stream

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func sharedSecret() *[32]byte {
	var s [32]byte
	for i := range s {
		s[i] = byte(i)
	}
	return &s
}

func TestFramedStreamRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	shared := sharedSecret()
	client := New(clientConn, shared, true)
	server := New(serverConn, shared, false)

	msg := []byte("hello over the wire")

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(msg) }()

	got, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, msg, got)
	require.NoError(t, <-errCh)
}

func TestFramedStreamDirectionalKeysDiffer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	shared := sharedSecret()
	client := New(clientConn, shared, true)
	server := New(serverConn, shared, false)

	require.Equal(t, client.writeKey, server.readKey)
	require.Equal(t, server.writeKey, client.readKey)
	require.NotEqual(t, client.writeKey, client.readKey)
}

func TestFramedStreamRecvEOFOnClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	server := New(serverConn, sharedSecret(), false)

	clientConn.Close()
	_, err := server.Recv()
	require.ErrorIs(t, err, io.EOF)

	serverConn.Close()
}

func TestFramedStreamRejectsOversizedLength(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := New(serverConn, sharedSecret(), false)

	go func() {
		var lenBuf [lengthPrefix]byte
		lenBuf[0] = 0x7f
		lenBuf[1] = 0xff
		lenBuf[2] = 0xff
		lenBuf[3] = 0xff
		clientConn.Write(lenBuf[:])
	}()

	_, err := server.Recv()
	require.Error(t, err)
	var re *ReadError
	require.ErrorAs(t, err, &re)
}
