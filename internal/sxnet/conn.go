package sxnet

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// maxLineLength bounds a single inbound line.
const maxLineLength = 4096

// LineConn is a line-oriented client connection.
//
// ReadLine is called from a single goroutine. WriteLine may be called
// concurrently with ReadLine but not with itself. Close unblocks a
// pending ReadLine.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

// streamConn frames a byte stream into newline-terminated lines.
type streamConn struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writer       *bufio.Writer
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps a network connection. Lines are terminated with
// "\n" on output; "\r\n" is accepted on input.
//
// Parameters:
//   - conn: Underlying connection, owned by the returned LineConn
//   - writeTimeout: Deadline for each line written, zero for none
func NewStreamConn(conn net.Conn, writeTimeout time.Duration) LineConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 256), maxLineLength)
	return &streamConn{
		conn:         conn,
		scanner:      scanner,
		writer:       bufio.NewWriter(conn),
		writeTimeout: writeTimeout,
	}
}

func (c *streamConn) ReadLine() (string, error) {
	if c.scanner.Scan() {
		return c.scanner.Text(), nil
	}
	if err := c.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (c *streamConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
