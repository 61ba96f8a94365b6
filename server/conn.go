package server

import "github.com/gfmonteiro/verto/protocol"

// conn is the per-connection state owned by the event loop.
type conn struct {
	fd int

	// Intentions for the next readiness wait.
	wantRead  bool
	wantWrite bool
	wantClose bool

	in  protocol.Buffer
	out protocol.Buffer

	lastActive int64 // keyspace clock nanoseconds

	// Links in the idle list, ordered oldest first.
	idlePrev, idleNext *conn
}

func newConn(fd int, now int64) *conn {
	return &conn{
		fd:         fd,
		wantRead:   true,
		lastActive: now,
	}
}

// idleList is an intrusive doubly-linked list of connections ordered by last
// activity, front oldest. Touching a connection moves it to the back, so the
// front is always the next idle-timeout candidate.
type idleList struct {
	head conn // sentinel
}

func (l *idleList) init() {
	l.head.idlePrev = &l.head
	l.head.idleNext = &l.head
}

func (l *idleList) empty() bool {
	return l.head.idleNext == &l.head
}

func (l *idleList) front() *conn {
	if l.empty() {
		return nil
	}
	return l.head.idleNext
}

func (l *idleList) pushBack(c *conn) {
	tail := l.head.idlePrev
	tail.idleNext = c
	c.idlePrev = tail
	c.idleNext = &l.head
	l.head.idlePrev = c
}

func (l *idleList) remove(c *conn) {
	if c.idlePrev == nil {
		return
	}
	c.idlePrev.idleNext = c.idleNext
	c.idleNext.idlePrev = c.idlePrev
	c.idlePrev = nil
	c.idleNext = nil
}

func (l *idleList) touch(c *conn, now int64) {
	c.lastActive = now
	l.remove(c)
	l.pushBack(c)
}
