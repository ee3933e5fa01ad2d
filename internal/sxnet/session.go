package sxnet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/sx4-core/internal/periodic"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Session is one connected client.
type Session struct {
	id     int
	conn   LineConn
	server *Server

	// last values pushed to the client; sx.Invalid until first sent
	mu       sync.Mutex
	channels [sx.ChannelCount]int
	power    int
	connStat int

	sendMu   sync.Mutex
	lastLine string
	lastSent time.Time

	closeOnce sync.Once
}

func newSession(server *Server, id int, conn LineConn) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		server:   server,
		power:    sx.Invalid,
		connStat: sx.Invalid,
	}
	for i := range s.channels {
		s.channels[i] = sx.Invalid
	}
	return s
}

// ID returns the session number assigned by the server.
func (s *Session) ID() int {
	return s.id
}

// Greeting returns the line sent to the client on connect.
func (s *Session) Greeting() string {
	return fmt.Sprintf("SXnetServer - client%d", s.id)
}

// run drives the session until the client disconnects, sends QUIT or ctx
// is cancelled.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, s.terminate)
	defer stop()

	opts := s.server.opts
	task := periodic.New(opts.InitialDelay, opts.BroadcastInterval, func(context.Context) {
		if err := s.broadcast(); err != nil {
			s.server.log().Debug("sxnet broadcast failed", "session", s.id, "error", err)
			s.terminate()
		}
	})
	defer task.Stop()

	if err := s.send(s.Greeting()); err != nil {
		s.terminate()
		return
	}
	task.Start(ctx)

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.terminate()
			return
		}
		if quit := s.handleLine(line); quit {
			s.terminate()
			return
		}
	}
}

// handleLine executes every command of one input line and sends the
// responses in order.
//
// Returns:
//   - bool: true when the client asked to terminate
func (s *Session) handleLine(line string) bool {
	line = strings.ToUpper(strings.TrimSpace(line))
	if line == "" {
		return false
	}
	cmds := strings.Split(line, ";")
	for len(cmds) > 0 && strings.TrimSpace(cmds[len(cmds)-1]) == "" {
		cmds = cmds[:len(cmds)-1]
	}
	for _, cmd := range cmds {
		// an empty command between separators is malformed
		resp := respError
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			var quit bool
			if resp, quit = s.execute(cmd); quit {
				return true
			}
		}
		if err := s.send(resp); err != nil {
			s.server.log().Debug("sxnet send failed", "session", s.id, "error", err)
			return true
		}
	}
	return false
}

// send writes one line. Empty lines are dropped, as is a line equal to the
// previous one sent less than the debounce interval ago.
func (s *Session) send(line string) error {
	if line == "" {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	now := s.server.opts.Now()
	if line == s.lastLine && now.Sub(s.lastSent) < s.server.opts.Debounce {
		return nil
	}
	if err := s.conn.WriteLine(line); err != nil {
		return err
	}
	s.lastLine = line
	s.lastSent = now
	return nil
}

// broadcast sends every change since the previous call.
func (s *Session) broadcast() error {
	for _, line := range s.pendingUpdates() {
		if err := s.send(line); err != nil {
			return err
		}
	}
	return nil
}

// pendingUpdates diffs the registry against the values last pushed to the
// client and records the new values as pushed. Power and connection status
// come first, then channels in ascending order.
func (s *Session) pendingUpdates() []string {
	reg := s.server.reg
	b := lineBuilder{limit: s.server.opts.LineCap}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p := reg.Power(); p != s.power {
		s.power = p
		b.add(fmt.Sprintf("XPOWER %d", p))
	}
	if c := reg.ConnectionStatus(); c != s.connStat {
		s.connStat = c
		b.add(fmt.Sprintf("XCONN %d", c))
	}
	for ch := sx.ChannelMin; ch <= sx.ChannelMax; ch++ {
		v := reg.Get(ch)
		if v == sx.Invalid || v == s.channels[ch] {
			continue
		}
		s.channels[ch] = v
		b.add(fmt.Sprintf("X %d %d", ch, v))
	}
	return b.finish()
}

// markChannel records value as already known to the client.
func (s *Session) markChannel(channel, value int) {
	if !sx.IsValidChannel(channel) || value == sx.Invalid {
		return
	}
	s.mu.Lock()
	s.channels[channel] = value
	s.mu.Unlock()
}

// markPower records the power state as already known to the client.
func (s *Session) markPower(value int) {
	s.mu.Lock()
	s.power = value
	s.mu.Unlock()
}

// terminate closes the connection, which ends the read loop.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}

// lineBuilder joins fields with ";" and starts a new line before one would
// grow past limit.
type lineBuilder struct {
	limit int
	cur   strings.Builder
	lines []string
}

func (b *lineBuilder) add(field string) {
	if b.cur.Len() > 0 && b.cur.Len()+1+len(field) > b.limit {
		b.flush()
	}
	if b.cur.Len() > 0 {
		b.cur.WriteByte(';')
	}
	b.cur.WriteString(field)
}

func (b *lineBuilder) flush() {
	if b.cur.Len() == 0 {
		return
	}
	b.lines = append(b.lines, b.cur.String())
	b.cur.Reset()
}

func (b *lineBuilder) finish() []string {
	b.flush()
	return b.lines
}
