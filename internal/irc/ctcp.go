package irc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// ctcpDelim wraps CTCP requests inside PRIVMSG text.
const ctcpDelim = "\x01"

// ErrNotDCCSend is returned by ParseDCCSend for CTCP payloads that are not
// DCC SEND offers.
var ErrNotDCCSend = errors.New("not a DCC SEND offer")

// DCCOffer is a file offered to us with DCC SEND.
type DCCOffer struct {
	// Filename is the base name the file is saved under.
	Filename string

	// Address is the sender's IP address.
	Address net.IP

	// Port is the TCP port the sender listens on.
	Port int

	// Size is the advertised size in bytes, 0 when unknown.
	Size int64
}

// HostPort returns the address to dial for the transfer.
func (o DCCOffer) HostPort() string {
	return net.JoinHostPort(o.Address.String(), strconv.Itoa(o.Port))
}

// ParseCTCP extracts the CTCP payload from PRIVMSG text. ok is false for
// plain messages.
func ParseCTCP(text string) (payload string, ok bool) {
	if len(text) < 2 || !strings.HasPrefix(text, ctcpDelim) {
		return "", false
	}
	payload = strings.TrimPrefix(text, ctcpDelim)
	payload = strings.TrimSuffix(payload, ctcpDelim)
	return payload, true
}

// ParseDCCSend parses a CTCP payload of the form
//
//	DCC SEND <filename> <ip> <port> [<size>]
//
// The filename may be quoted and is reduced to its base name. The IP is
// usually the address as a decimal 32-bit integer; dotted and IPv6 forms
// are accepted too. Passive offers (port 0) are rejected.
func ParseDCCSend(payload string) (DCCOffer, error) {
	fields, err := shlex.Split(payload)
	if err != nil {
		return DCCOffer{}, fmt.Errorf("split DCC payload: %w", err)
	}
	if len(fields) < 2 || !strings.EqualFold(fields[0], "DCC") || !strings.EqualFold(fields[1], "SEND") {
		return DCCOffer{}, ErrNotDCCSend
	}
	fields = fields[2:]
	if len(fields) < 3 {
		return DCCOffer{}, fmt.Errorf("invalid DCC SEND format: %q", payload)
	}

	name, err := baseName(fields[0])
	if err != nil {
		return DCCOffer{}, err
	}

	addr, err := ParseDCCAddress(fields[1])
	if err != nil {
		return DCCOffer{}, err
	}

	port, err := strconv.Atoi(fields[2])
	if err != nil || port < 0 || port > 65535 {
		return DCCOffer{}, fmt.Errorf("invalid DCC port %q", fields[2])
	}
	if port == 0 {
		return DCCOffer{}, errors.New("passive DCC SEND is not supported")
	}

	var size int64
	if len(fields) > 3 {
		size, err = strconv.ParseInt(fields[3], 10, 64)
		if err != nil || size < 0 {
			return DCCOffer{}, fmt.Errorf("invalid DCC size %q", fields[3])
		}
	}

	return DCCOffer{Filename: name, Address: addr, Port: port, Size: size}, nil
}

// ParseDCCAddress decodes the address field of a DCC offer.
func ParseDCCAddress(s string) (net.IP, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		ip := make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(ip, uint32(n))
		return ip, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("invalid DCC address %q", s)
}

// baseName strips quotes and any directory part from an offered filename
// so that a transfer can never write outside the working directory.
func baseName(name string) (string, error) {
	name = strings.Trim(name, `"`)
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("invalid DCC filename %q", name)
	}
	return name, nil
}
