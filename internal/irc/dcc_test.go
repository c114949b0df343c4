package irc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dccSender serves data to one DCC receiver on a loopback port.
type dccSender struct {
	offer DCCOffer

	// lastAck receives the final acknowledged byte count once the
	// receiver is done.
	lastAck chan uint32
}

// serveDCC starts a sender that writes the first send bytes of data in
// chunks of chunk bytes, then waits for the acknowledgement of those bytes
// and closes. The offer advertises size bytes.
func serveDCC(t *testing.T, data []byte, send int, chunk int, size int64) *dccSender {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &dccSender{
		offer: DCCOffer{
			Filename: "file.bin",
			Address:  net.IPv4(127, 0, 0, 1),
			Port:     ln.Addr().(*net.TCPAddr).Port,
			Size:     size,
		},
		lastAck: make(chan uint32, 1),
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for off := 0; off < send; off += chunk {
			end := min(off+chunk, send)
			if _, err := conn.Write(data[off:end]); err != nil {
				return
			}
		}

		var ack [4]byte
		var last uint32
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for last < uint32(send) {
			if _, err := io.ReadFull(conn, ack[:]); err != nil {
				break
			}
			last = binary.BigEndian.Uint32(ack[:])
		}
		s.lastAck <- last
	}()
	return s
}

func testDial() DialFunc {
	d := &net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReceive(t *testing.T) {
	data := payload(100_000)
	sender := serveDCC(t, data, len(data), 7_000, int64(len(data)))
	dest := filepath.Join(t.TempDir(), "file.bin")

	var progressed int64
	n, err := Receive(context.Background(), testDial(), sender.offer, dest, func(received int64) {
		progressed = received
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, int64(len(data)), progressed)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received file differs")

	select {
	case last := <-sender.lastAck:
		assert.Equal(t, uint32(len(data)), last, "final acknowledgement is the total byte count")
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not receive the final acknowledgement")
	}
}

func TestReceive_UnknownSize(t *testing.T) {
	data := payload(5_000)
	sender := serveDCC(t, data, len(data), 1_000, 0)
	dest := filepath.Join(t.TempDir(), "file.bin")

	n, err := Receive(context.Background(), testDial(), sender.offer, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
}

func TestReceive_Incomplete(t *testing.T) {
	data := payload(2_000)
	sender := serveDCC(t, data, 1_000, 500, int64(len(data)))
	dest := filepath.Join(t.TempDir(), "file.bin")

	n, err := Receive(context.Background(), testDial(), sender.offer, dest, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncomplete), "got %v", err)
	assert.Equal(t, int64(1_000), n)
	assert.NoFileExists(t, dest, "partial file is removed")
}

func TestReceive_Cancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	release := make(chan struct{})
	defer close(release)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("partial"))
		<-release
	}()

	offer := DCCOffer{Filename: "f", Address: net.IPv4(127, 0, 0, 1), Port: ln.Addr().(*net.TCPAddr).Port, Size: 1_000}
	dest := filepath.Join(t.TempDir(), "f")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = Receive(ctx, testDial(), offer, dest, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, dest)
}

func TestReceive_ConnectFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	offer := DCCOffer{Filename: "f", Address: net.IPv4(127, 0, 0, 1), Port: port, Size: 10}
	dest := filepath.Join(t.TempDir(), "f")
	_, err = Receive(context.Background(), testDial(), offer, dest, nil)
	require.Error(t, err)
	assert.NoFileExists(t, dest, "nothing is created before the connection succeeds")
}
