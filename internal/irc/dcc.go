package irc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// chunkSize is the read buffer of a DCC transfer.
const chunkSize = 32 * 1024

// ErrIncomplete is returned when the sender closes the connection before
// the advertised size has been received.
var ErrIncomplete = errors.New("transfer ended before the advertised size")

// DialFunc opens the TCP connection of a transfer. net.Dialer.DialContext
// satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Receive connects to the sender of offer and streams the file into dest.
//
// After every chunk the running byte count is acknowledged as a big-endian
// 32-bit integer, as DCC SEND requires. The transfer ends when the sender
// closes the connection or the advertised size has been received. progress,
// if not nil, is called with the running total after every chunk.
//
// On failure the partial file is removed.
func Receive(ctx context.Context, dial DialFunc, offer DCCOffer, dest string, progress func(received int64)) (received int64, err error) {
	conn, err := dial(ctx, "tcp", offer.HostPort())
	if err != nil {
		return 0, fmt.Errorf("connect to %s: %w", offer.HostPort(), err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	buf := make([]byte, chunkSize)
	var ack [4]byte
	var ackErr error
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return received, werr
			}
			received += int64(n)
			if progress != nil {
				progress(received)
			}

			// Senders often close right after the last chunk, so a failed
			// acknowledgement is not fatal; the next read decides.
			if ackErr == nil {
				binary.BigEndian.PutUint32(ack[:], uint32(received))
				_, ackErr = conn.Write(ack[:])
			}
			if complete(offer, received) {
				return received, nil
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			if !errors.Is(rerr, io.EOF) {
				return received, rerr
			}
			if offer.Size > 0 && received < offer.Size {
				return received, fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, received, offer.Size)
			}
			return received, nil
		}
	}
}

// complete reports whether the advertised size has been reached.
func complete(offer DCCOffer, received int64) bool {
	return offer.Size > 0 && received >= offer.Size
}
