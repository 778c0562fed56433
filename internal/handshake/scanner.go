package handshake

import (
	"bytes"

	"github.com/g960059/moshbridge/internal/model"
)

const (
	// Marker precedes "<port> <key>\n" in mosh-server output.
	Marker = "MOSH CONNECT "

	// DefaultKeyTrim is the number of characters dropped from the end of the
	// key field, before the newline. Under a remote pty the line normally
	// ends in "\r\n".
	DefaultKeyTrim = 1

	// DefaultCarryLimit bounds the bytes retained between reads while a
	// handshake line is incomplete.
	DefaultCarryLimit = 4096
)

type Option func(*Scanner)

func WithKeyTrim(n int) Option {
	return func(s *Scanner) {
		if n >= 0 {
			s.keyTrim = n
		}
	}
}

func WithCarryLimit(n int) Option {
	return func(s *Scanner) {
		if n > len(s.marker) {
			s.carryLimit = n
		}
	}
}

// Scanner finds the handshake line in a stream of output chunks. It reports
// credentials at most once and ignores all input afterwards.
//
// Unlike a per-read search, unmatched bytes that may belong to a handshake
// are carried into the next Feed, so a line split across reads is still
// found. The carry is bounded by the carry limit.
type Scanner struct {
	marker     []byte
	keyTrim    int
	carryLimit int
	carry      []byte
	done       bool
}

func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		marker:     []byte(Marker),
		keyTrim:    DefaultKeyTrim,
		carryLimit: DefaultCarryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Done reports whether credentials have already been emitted.
func (s *Scanner) Done() bool {
	return s.done
}

// Feed scans one chunk. The chunk is not retained.
func (s *Scanner) Feed(chunk []byte) (model.HandoffCredentials, bool) {
	if s.done || len(chunk) == 0 {
		return model.HandoffCredentials{}, false
	}
	buf := chunk
	if len(s.carry) > 0 {
		buf = append(s.carry, chunk...)
	}
	for {
		idx := bytes.Index(buf, s.marker)
		if idx < 0 {
			s.keep(tail(buf, len(s.marker)-1))
			return model.HandoffCredentials{}, false
		}
		rest := buf[idx+len(s.marker):]
		space := bytes.IndexByte(rest, ' ')
		newline := bytes.IndexByte(rest, '\n')
		if newline >= 0 && (space < 0 || newline < space) {
			// line ended inside the port field
			buf = rest[newline+1:]
			continue
		}
		if space < 0 {
			s.keep(buf[idx:])
			return model.HandoffCredentials{}, false
		}
		port := rest[:space]
		keyField := rest[space+1:]
		lineEnd := bytes.IndexByte(keyField, '\n')
		if lineEnd < 0 {
			s.keep(buf[idx:])
			return model.HandoffCredentials{}, false
		}
		keyEnd := lineEnd - s.keyTrim
		if len(port) == 0 || keyEnd <= 0 {
			buf = keyField[lineEnd+1:]
			continue
		}
		creds := model.HandoffCredentials{
			Port: string(port),
			Key:  string(keyField[:keyEnd]),
		}
		s.done = true
		s.wipeCarry()
		return creds, true
	}
}

func (s *Scanner) keep(b []byte) {
	if len(b) > s.carryLimit {
		s.wipeCarry()
		return
	}
	next := make([]byte, len(b))
	copy(next, b)
	s.wipeCarry()
	s.carry = next
}

func (s *Scanner) wipeCarry() {
	for i := range s.carry {
		s.carry[i] = 0
	}
	s.carry = nil
}

func tail(b []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
