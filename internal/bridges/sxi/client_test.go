package sxi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/sx"
)

const waitTimeout = 2 * time.Second

// fakeInterface is a loopback SXnet interface accepting client connections.
type fakeInterface struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeInterface(t *testing.T) *fakeInterface {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeInterface{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeInterface) url() string {
	return "tcp://" + f.ln.Addr().String()
}

func (f *fakeInterface) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return &peer{conn: conn, reader: bufio.NewReader(conn)}
	case <-time.After(waitTimeout):
		t.Fatal("no connection from client")
		return nil
	}
}

// peer is the interface side of one client connection.
type peer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (p *peer) readLine(t *testing.T) string {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	line, err := p.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read from client: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readCommands reads lines until n ";"-separated commands were received.
func (p *peer) readCommands(t *testing.T, n int) []string {
	t.Helper()
	var cmds []string
	for len(cmds) < n {
		cmds = append(cmds, strings.Split(p.readLine(t), ";")...)
	}
	return cmds
}

func (p *peer) send(t *testing.T, s string) {
	t.Helper()
	if _, err := p.conn.Write([]byte(s)); err != nil {
		t.Fatalf("write to client: %v", err)
	}
}

// recordingSink implements bus.Sink.
type recordingSink struct {
	mu       sync.Mutex
	channels map[int]int
	power    int
	status   []int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{channels: make(map[int]int), power: sx.Invalid}
}

func (s *recordingSink) ApplyExternal(channel, value int) {
	s.mu.Lock()
	s.channels[channel] = value
	s.mu.Unlock()
}

func (s *recordingSink) ApplyExternalPower(value int) {
	s.mu.Lock()
	s.power = value
	s.mu.Unlock()
}

func (s *recordingSink) SetConnectionStatus(status int) {
	s.mu.Lock()
	s.status = append(s.status, status)
	s.mu.Unlock()
}

func (s *recordingSink) channel(ch int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.channels[ch]
	return v, ok
}

func (s *recordingSink) lastStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.status) == 0 {
		return sx.Invalid
	}
	return s.status[len(s.status)-1]
}

func (s *recordingSink) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.status)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func connectTo(t *testing.T, f *fakeInterface, cfg Config) *Client {
	t.Helper()
	cfg.Connection = f.url()
	c, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// syncCommandCount is READPOWER plus one R per channel.
const syncCommandCount = sx.ChannelCount + 1

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		url     string
		address string
		wantErr bool
	}{
		{"tcp://192.168.1.20:4104", "192.168.1.20:4104", false},
		{"tcp://sx-interface", "sx-interface:4104", false},
		{"tcp://localhost:5000", "localhost:5000", false},
		{"unix:///run/sxi", "", true},
		{"tcp://", "", true},
		{"://bad", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConnectionURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if network != "tcp" || address != tt.address {
				t.Errorf("parseConnectionURL() = %s %s, want tcp %s", network, address, tt.address)
			}
		})
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{2 * time.Second, 3 * time.Second},
		{10 * time.Second, 15 * time.Second},
		{100 * time.Second, maxReconnectInterval},
		{maxReconnectInterval, maxReconnectInterval},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.in); got != tt.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConnect_Failures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedAddr := ln.Addr().String()
	ln.Close()

	for _, url := range []string{"unix:///run/sxi", "tcp://" + closedAddr} {
		_, err := Connect(context.Background(), Config{Connection: url, ConnectTimeout: time.Second})
		if !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("Connect(%s) error = %v, want ErrConnectionFailed", url, err)
		}
	}
}

func TestClient_SyncOnAttach(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{})
	p := f.accept(t)

	sink := newRecordingSink()
	c.SetSink(sink)

	if got := sink.lastStatus(); got != sx.StatusConnected {
		t.Errorf("connection status = %d, want %d", got, sx.StatusConnected)
	}

	cmds := p.readCommands(t, syncCommandCount)
	if len(cmds) != syncCommandCount {
		t.Fatalf("received %d sync commands, want %d", len(cmds), syncCommandCount)
	}
	if cmds[0] != "READPOWER" {
		t.Errorf("first sync command = %q, want READPOWER", cmds[0])
	}
	if cmds[1] != "R 0" || cmds[len(cmds)-1] != "R 111" {
		t.Errorf("sync commands run %q..%q, want R 0..R 111", cmds[1], cmds[len(cmds)-1])
	}
}

func TestClient_Write(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{})
	p := f.accept(t)

	got, err := c.Write(81, 3)
	if err != nil || got != 3 {
		t.Fatalf("Write(81, 3) = %d, %v; want 3, nil", got, err)
	}
	if line := p.readLine(t); line != "SX 81 3" {
		t.Errorf("sent %q, want %q", line, "SX 81 3")
	}

	got, err = c.SetPower(1)
	if err != nil || got != 1 {
		t.Fatalf("SetPower(1) = %d, %v; want 1, nil", got, err)
	}
	if line := p.readLine(t); line != "SETPOWER 1" {
		t.Errorf("sent %q, want %q", line, "SETPOWER 1")
	}

	if _, err := c.Write(112, 1); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Write(112) error = %v, want ErrInvalidChannel", err)
	}

	if s := c.Stats(); s.LinesTx != 2 {
		t.Errorf("LinesTx = %d, want 2", s.LinesTx)
	}
}

func TestClient_Pushes(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{})
	p := f.accept(t)

	sink := newRecordingSink()
	c.SetSink(sink)
	p.readCommands(t, syncCommandCount)

	p.send(t, "SXnetServer - client0\n")
	p.send(t, "X 81 3;XPOWER 1\r\n")
	p.send(t, "X 200 1;X 5 999;x 6 12;garbage\n")
	p.send(t, "XCONN 0\n")

	eventually(t, "XCONN 0", func() bool { return sink.lastStatus() == sx.StatusDisconnected })

	if v, ok := sink.channel(81); !ok || v != 3 {
		t.Errorf("channel 81 = %d, %v; want 3", v, ok)
	}
	if v, ok := sink.channel(6); !ok || v != 12 {
		t.Errorf("channel 6 = %d, %v; want 12", v, ok)
	}
	if _, ok := sink.channel(5); ok {
		t.Error("channel 5 applied from an out-of-range value")
	}
	sink.mu.Lock()
	power := sink.power
	sink.mu.Unlock()
	if power != 1 {
		t.Errorf("power = %d, want 1", power)
	}

	s := c.Stats()
	if s.UpdatesRx != 2 {
		t.Errorf("UpdatesRx = %d, want 2", s.UpdatesRx)
	}
	if s.LinesRx != 4 {
		t.Errorf("LinesRx = %d, want 4", s.LinesRx)
	}
}

func TestClient_ReadTimeoutIsIdle(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{ReadTimeout: 20 * time.Millisecond})
	p := f.accept(t)

	sink := newRecordingSink()
	c.SetSink(sink)
	p.readCommands(t, syncCommandCount)

	time.Sleep(100 * time.Millisecond)

	// A line split across a read timeout is reassembled.
	p.send(t, "X 2 ")
	time.Sleep(50 * time.Millisecond)
	p.send(t, "7\n")

	eventually(t, "channel 2", func() bool {
		v, ok := sink.channel(2)
		return ok && v == 7
	})

	if !c.IsConnected() {
		t.Error("IsConnected() = false after idle period")
	}
	if s := c.Stats(); s.ReconnectsTotal != 0 {
		t.Errorf("ReconnectsTotal = %d, want 0", s.ReconnectsTotal)
	}
}

func TestClient_Reconnect(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{ReconnectInterval: 10 * time.Millisecond})
	first := f.accept(t)

	sink := newRecordingSink()
	c.SetSink(sink)
	first.readCommands(t, syncCommandCount)

	first.conn.Close()
	eventually(t, "disconnect status", func() bool { return sink.statusCount() >= 2 })

	second := f.accept(t)
	eventually(t, "reconnect status", func() bool { return sink.lastStatus() == sx.StatusConnected && sink.statusCount() >= 3 })

	cmds := second.readCommands(t, syncCommandCount)
	if cmds[0] != "READPOWER" {
		t.Errorf("first command after reconnect = %q, want READPOWER", cmds[0])
	}

	if _, err := c.Write(10, 4); err != nil {
		t.Fatalf("Write() after reconnect error = %v", err)
	}
	if line := second.readLine(t); line != "SX 10 4" {
		t.Errorf("sent %q, want %q", line, "SX 10 4")
	}

	if s := c.Stats(); s.ReconnectsTotal != 1 {
		t.Errorf("ReconnectsTotal = %d, want 1", s.ReconnectsTotal)
	}
}

func TestClient_Close(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{})
	f.accept(t)

	sink := newRecordingSink()
	c.SetSink(sink)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if got := sink.lastStatus(); got != sx.StatusDisconnected {
		t.Errorf("connection status = %d, want %d", got, sx.StatusDisconnected)
	}

	_, err := c.Write(1, 1)
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, bus.ErrNotConnected) {
		t.Errorf("Write() after Close error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_DrivesRegistry(t *testing.T) {
	f := newFakeInterface(t)
	c := connectTo(t, f, Config{})
	p := f.accept(t)

	reg := bus.NewRegistry()
	reg.Attach(c)
	p.readCommands(t, syncCommandCount)

	if reg.ConnectionStatus() != sx.StatusConnected {
		t.Errorf("ConnectionStatus() = %d, want %d", reg.ConnectionStatus(), sx.StatusConnected)
	}

	reg.Update(40, 9, true)
	if line := p.readLine(t); line != "SX 40 9" {
		t.Errorf("sent %q, want %q", line, "SX 40 9")
	}

	p.send(t, "X 41 128\n")
	eventually(t, "registry update", func() bool { return reg.Get(41) == 128 })
}
