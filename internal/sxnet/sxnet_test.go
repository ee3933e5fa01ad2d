package sxnet

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// fakeConn is an in-memory LineConn.
type fakeConn struct {
	in     chan string
	out    chan string
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan string, 16),
		out:    make(chan string, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadLine() (string, error) {
	select {
	case line := <-c.in:
		return line, nil
	case <-c.closed:
		return "", io.EOF
	}
}

func (c *fakeConn) WriteLine(line string) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- line:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-c.out:
		if got != want {
			t.Fatalf("received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-c.out:
		t.Fatalf("received unexpected %q", got)
	default:
	}
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*bus.Registry, *bus.Simulator) {
	reg := bus.NewRegistry()
	sim := bus.NewSimulator()
	reg.Attach(sim)
	return reg, sim
}

func newTestSession(t *testing.T, srv *Server) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	return newSession(srv, 0, conn), conn
}

func TestExecute(t *testing.T) {
	reg, _ := newTestRegistry()
	srv := NewServer(reg, nil, Options{})
	sess, _ := newTestSession(t, srv)
	reg.SetVirtual(1500, 1)

	// Commands run in order and share registry state.
	steps := []struct {
		cmd  string
		want string
	}{
		{"READPOWER", "XPOWER 0"},
		{"SETPOWER 1", "XPOWER 1"},
		{"READPOWER", "XPOWER 1"},
		{"SETPOWER 2", "ERROR"},
		{"SETPOWER", "ERROR"},
		{"SX 81 3", "OK"},
		{"R 81", "X 81 3"},
		{"S 82 255", "OK"},
		{"SETLOCO 83 7", "OK"},
		{"READLOCO 83", "X 83 7"},
		{"R 50", "X 50 0"},
		{"SX 112 1", "ERROR"},
		{"SX 81 256", "ERROR"},
		{"SX 81 -1", "ERROR"},
		{"SX ABC 1", "ERROR"},
		{"SX 81", "ERROR"},
		{"R", "ERROR"},
		{"R 200", "ERROR"},
		{"SET 841 1", "OK"},
		{"READ 841", "XL 841 1"},
		{"SET 841 0", "OK"},
		{"READ 841", "XL 841 0"},
		{"SET 842 3", "OK"},
		{"SET 849 1", "ERROR"},
		{"SET 840 1", "ERROR"},
		{"SET 841 4", "ERROR"},
		{"SET 5 1", "ERROR"},
		{"SET 1500 1", "ERROR"},
		{"READ 1500", "XL 1500 1"},
		{"READ 1501", "ERROR"},
		{"READ 10000", "ERROR"},
		{"REQ 2201 1", "ERROR"},
		{"FOO 1 2", "ERROR"},
	}

	for _, step := range steps {
		got, quit := sess.execute(step.cmd)
		if quit {
			t.Fatalf("execute(%q) requested quit", step.cmd)
		}
		if got != step.want {
			t.Errorf("execute(%q) = %q, want %q", step.cmd, got, step.want)
		}
	}

	if got := reg.Get(84); got != 0x02 {
		t.Errorf("channel 84 = %#x, want %#x", got, 0x02)
	}
	if _, quit := sess.execute("QUIT"); !quit {
		t.Error("execute(QUIT) did not request quit")
	}
}

func TestExecute_SetThenRead(t *testing.T) {
	reg, _ := newTestRegistry()
	sess, _ := newTestSession(t, NewServer(reg, nil, Options{}))

	if got, _ := sess.execute("SET 811 1"); got != "OK" {
		t.Fatalf("SET 811 1 = %q, want OK", got)
	}
	if !sx.IsSet(reg.Get(81), 1) {
		t.Errorf("channel 81 = %#x, bit 1 not set", reg.Get(81))
	}
	if got, _ := sess.execute("READ 811"); got != "XL 811 1" {
		t.Errorf("READ 811 = %q, want %q", got, "XL 811 1")
	}
}

func TestExecute_WritesReachDriver(t *testing.T) {
	reg, sim := newTestRegistry()
	sess, _ := newTestSession(t, NewServer(reg, nil, Options{}))

	sess.execute("SX 10 1")
	sess.execute("SET 112 1")
	sess.execute("SETPOWER 1")

	if got := sim.Writes(); got != 3 {
		t.Errorf("driver writes = %d, want 3", got)
	}
}

func TestExecute_RouteRequest(t *testing.T) {
	reg, _ := newTestRegistry()
	layout := panel.NewLayout(reg)
	for _, e := range []struct {
		kind panel.Kind
		addr int
	}{
		{panel.KindSensor, 901},
		{panel.KindSensor, 902},
		{panel.KindTurnout, 921},
	} {
		el, err := panel.NewElement(e.kind, e.addr, sx.Invalid)
		if err != nil {
			t.Fatalf("NewElement(%d) error = %v", e.addr, err)
		}
		if err := layout.Add(el); err != nil {
			t.Fatalf("Add(%d) error = %v", e.addr, err)
		}
	}
	engine := route.NewEngine(layout, route.Options{})
	if _, err := engine.Add(route.Definition{
		Address:  2201,
		Sensors:  []int{901, 902},
		Turnouts: []route.TurnoutSpec{{Address: 921, Position: panel.StateThrown}},
	}); err != nil {
		t.Fatalf("engine.Add() error = %v", err)
	}

	sess, _ := newTestSession(t, NewServer(reg, engine, Options{}))

	steps := []struct {
		cmd  string
		want string
	}{
		{"REQ 2201 1", "XL 2201 1"},
		{"READ 2201", "XL 2201 1"},
		{"READ 921", "XL 921 1"},
		{"REQ 2201 0", "XL 2201 0"},
		{"READ 2201", "XL 2201 0"},
		{"REQ 9999 1", "ERROR"},
		{"REQ 9999 0", "ERROR"},
		{"REQ 2201 2", "ERROR"},
		{"REQ 2201", "ERROR"},
	}
	for _, step := range steps {
		if got, _ := sess.execute(step.cmd); got != step.want {
			t.Errorf("execute(%q) = %q, want %q", step.cmd, got, step.want)
		}
	}
}

func TestHandleLine(t *testing.T) {
	reg, _ := newTestRegistry()
	sess, conn := newTestSession(t, NewServer(reg, nil, Options{}))

	if quit := sess.handleLine("  sx 10 1; r 10; bogus  "); quit {
		t.Fatal("handleLine() requested quit")
	}
	conn.expect(t, "OK")
	conn.expect(t, "X 10 1")
	conn.expect(t, "ERROR")
	conn.expectNothing(t)

	// empty commands answer ERROR, trailing separators are ignored
	if quit := sess.handleLine("sx 11 2;;r 11;"); quit {
		t.Fatal("handleLine() requested quit")
	}
	conn.expect(t, "OK")
	conn.expect(t, "ERROR")
	conn.expect(t, "X 11 2")
	conn.expectNothing(t)

	if quit := sess.handleLine(""); quit {
		t.Error("empty line requested quit")
	}
	conn.expectNothing(t)

	if quit := sess.handleLine("READPOWER;quit;READPOWER"); !quit {
		t.Error("handleLine() with QUIT did not request quit")
	}
	conn.expect(t, "XPOWER 0")
	conn.expectNothing(t)
}

func TestSend_Debounce(t *testing.T) {
	reg, _ := newTestRegistry()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sess, conn := newTestSession(t, NewServer(reg, nil, Options{Now: clock.Now}))

	send := func(line string) {
		t.Helper()
		if err := sess.send(line); err != nil {
			t.Fatalf("send(%q) error = %v", line, err)
		}
	}

	send("")
	conn.expectNothing(t)

	send("X 1 1")
	conn.expect(t, "X 1 1")

	clock.Advance(299 * time.Millisecond)
	send("X 1 1")
	conn.expectNothing(t)

	send("X 1 2")
	conn.expect(t, "X 1 2")

	send("X 1 1")
	conn.expect(t, "X 1 1")

	clock.Advance(DefaultDebounce)
	send("X 1 1")
	conn.expect(t, "X 1 1")
}

func TestPendingUpdates(t *testing.T) {
	reg, sim := newTestRegistry()
	sess, _ := newTestSession(t, NewServer(reg, nil, Options{}))

	got := sess.pendingUpdates()
	if len(got) != 1 || got[0] != "XPOWER 0;XCONN 1" {
		t.Fatalf("first pendingUpdates() = %q, want [\"XPOWER 0;XCONN 1\"]", got)
	}
	if got := sess.pendingUpdates(); len(got) != 0 {
		t.Errorf("pendingUpdates() without changes = %q, want none", got)
	}

	sim.Inject(81, 3)
	got = sess.pendingUpdates()
	if len(got) != 1 || got[0] != "X 81 3" {
		t.Errorf("pendingUpdates() after external change = %q, want [\"X 81 3\"]", got)
	}

	sim.InjectPower(1)
	sim.Inject(5, 9)
	got = sess.pendingUpdates()
	if len(got) != 1 || got[0] != "XPOWER 1;X 5 9" {
		t.Errorf("pendingUpdates() = %q, want [\"XPOWER 1;X 5 9\"]", got)
	}
}

func TestPendingUpdates_SkipsOwnWrites(t *testing.T) {
	reg, _ := newTestRegistry()
	sess, _ := newTestSession(t, NewServer(reg, nil, Options{}))
	sess.pendingUpdates()

	sess.execute("SX 20 5")
	reg.Update(21, 6, false)

	got := sess.pendingUpdates()
	if len(got) != 1 || got[0] != "X 21 6" {
		t.Errorf("pendingUpdates() = %q, want [\"X 21 6\"]", got)
	}
}

func TestPendingUpdates_LineCap(t *testing.T) {
	reg, _ := newTestRegistry()
	const lineCap = 30
	sess, _ := newTestSession(t, NewServer(reg, nil, Options{LineCap: lineCap}))
	sess.pendingUpdates()

	for ch := 0; ch <= sx.ChannelMax; ch++ {
		reg.Update(ch, 200, false)
	}

	lines := sess.pendingUpdates()
	fields := 0
	for _, line := range lines {
		if len(line) > lineCap {
			t.Errorf("line %q has %d characters, cap %d", line, len(line), lineCap)
		}
		if line == "" {
			t.Error("empty broadcast line")
		}
		fields += len(strings.Split(line, ";"))
	}
	if fields != sx.ChannelCount {
		t.Errorf("broadcast %d fields, want %d", fields, sx.ChannelCount)
	}
	if !strings.HasPrefix(lines[0], "X 0 200;X 1 200") {
		t.Errorf("first line = %q, want channels in ascending order", lines[0])
	}
}

func TestLineBuilder(t *testing.T) {
	b := lineBuilder{limit: 16}
	b.add("X 1 1")
	b.add("X 2 2")
	b.add("X 3 3")
	b.add("X 4 4")

	got := b.finish()
	want := []string{"X 1 1;X 2 2", "X 3 3;X 4 4"}
	if len(got) != len(want) {
		t.Fatalf("finish() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func fastOptions() Options {
	return Options{
		InitialDelay:      time.Millisecond,
		BroadcastInterval: 10 * time.Millisecond,
	}
}

func TestServeConn_Lifecycle(t *testing.T) {
	reg, sim := newTestRegistry()
	srv := NewServer(reg, nil, fastOptions())
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.ServeConn(ctx, conn)
		close(done)
	}()

	conn.expect(t, "SXnetServer - client0")
	conn.expect(t, "XPOWER 0;XCONN 1")

	sim.Inject(81, 3)
	conn.expect(t, "X 81 3")

	conn.in <- "r 82"
	conn.expect(t, "X 82 0")

	conn.in <- "QUIT"
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after QUIT")
	}
	if n := srv.SessionCount(); n != 0 {
		t.Errorf("SessionCount() = %d, want 0", n)
	}
}

func TestServeConn_SessionsAreIndependent(t *testing.T) {
	reg, sim := newTestRegistry()
	srv := NewServer(reg, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second := newFakeConn(), newFakeConn()
	firstDone := make(chan struct{})
	go func() {
		srv.ServeConn(ctx, first)
		close(firstDone)
	}()
	first.expect(t, "SXnetServer - client0")

	go srv.ServeConn(ctx, second)
	second.expect(t, "SXnetServer - client1")
	second.expect(t, "XPOWER 0;XCONN 1")

	first.Close()
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first session did not end after disconnect")
	}

	sim.Inject(40, 1)
	second.expect(t, "X 40 1")
	if n := srv.SessionCount(); n != 1 {
		t.Errorf("SessionCount() = %d, want 1", n)
	}
}

func TestServeConn_ContextCancel(t *testing.T) {
	reg, _ := newTestRegistry()
	srv := NewServer(reg, nil, fastOptions())
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.ServeConn(ctx, conn)
		close(done)
	}()
	conn.expect(t, "SXnetServer - client0")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after cancel")
	}
}

func TestServer_CloseRejectsNewSessions(t *testing.T) {
	reg, _ := newTestRegistry()
	srv := NewServer(reg, nil, fastOptions())
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	conn := newFakeConn()
	srv.ServeConn(context.Background(), conn)

	select {
	case <-conn.closed:
	default:
		t.Error("connection left open after ServeConn on a closed server")
	}
	conn.expectNothing(t)
}

func TestServer_ServeAfterClose(t *testing.T) {
	reg, _ := newTestRegistry()
	srv := NewServer(reg, nil, Options{})
	_ = srv.Close()

	ln := newLoopbackListener(t)
	if err := srv.Serve(context.Background(), ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() after Close error = %v, want ErrServerClosed", err)
	}
}
