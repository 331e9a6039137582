package pool

import (
	"github.com/google/uuid"

	"github.com/searchktools/connbalance/internal/addr"
)

// bufSize is the per-end buffer size (spec.md §4.2 "implementation-defined
// size, e.g. 4 KiB minus header").
const bufSize = 4096

// endKind distinguishes the three states a connection end can be in.
type endKind int

const (
	endIncomplete endKind = iota // async connect() submitted, awaiting WRITABLE
	endComplete                  // server end, connect() finished successfully
	endClient                    // client-facing end
)

// connEnd is one direction of a proxied connection: its own fd, its own
// outbound buffer (fed by the opposite end's reads), and the event flags
// currently armed on the poller for that fd.
type connEnd struct {
	owner *Connection
	other *connEnd
	addr  addr.SockAddr
	fd    int
	kind  endKind

	buf   []byte // slice of Connection.{incBuf,dstBuf}, len==cap==bufSize
	sent  int
	total int

	readArmed  bool
	writeArmed bool
}

// Connection packs a client end and a server end in one allocation, so a
// single pool.Put releases both (spec.md §4.2 "two ends per connection
// allocated contiguously so freeing either frees both").
type Connection struct {
	ID string

	incoming connEnd
	dest     connEnd

	incBuf [bufSize]byte
	dstBuf [bufSize]byte
}

// newConnection allocates a fresh, paired Connection. Called only from the
// pools.ConnectionPool's New func.
func newConnection() *Connection {
	c := &Connection{}
	c.link()
	return c
}

// link (re)establishes the buffer slices and cross-pointers; used both at
// construction and after Reset, since Reset must not change the ends'
// identity (other goroutines may have captured pointers into them only
// while holding the worker's single-goroutine loop, never concurrently).
func (c *Connection) link() {
	c.incoming.owner = c
	c.dest.owner = c
	c.incoming.other = &c.dest
	c.dest.other = &c.incoming
	c.incoming.buf = c.incBuf[:bufSize]
	c.dest.buf = c.dstBuf[:bufSize]
}

// Reset clears a Connection for reuse, implementing
// pools.ConnectionPoolable.
func (c *Connection) Reset() {
	c.ID = ""
	c.incoming = connEnd{}
	c.dest = connEnd{}
	c.link()
}

// SetFD implements pools.ConnectionPoolable; the pool's Get() caller sets
// the real fds immediately afterward, this just marks the record as
// claimed under the teacher's ConnectionPoolable contract.
func (c *Connection) SetFD(fd int) {
	c.incoming.fd = fd
}

func newConnectionID() string {
	return uuid.NewString()
}
