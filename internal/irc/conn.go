package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/shinji-kodama/bookfetch/internal/model"
)

// dialTimeout bounds the TCP (and TLS) handshake with the IRC server.
const dialTimeout = 30 * time.Second

// Dial connects to the IRC server at address, with TLS when useTLS is set.
func Dial(ctx context.Context, address string, useTLS bool) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if useTLS {
		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, fmt.Sprintf("invalid IRC address %q", address), splitErr)
		}
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: dialTimeout},
			Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		}
		conn, err = d.DialContext(ctx, "tcp", address)
	} else {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, model.WrapCLIError(model.ExitIRCError, fmt.Sprintf("cannot connect to %s", address), err)
	}
	return conn, nil
}
