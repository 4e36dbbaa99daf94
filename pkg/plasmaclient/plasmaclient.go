// Package plasmaclient is the contract this process uses to reach the
// shared-memory object store daemon (spec.md §1, §6: an external
// collaborator, out of scope to implement in full — this package only needs
// to speak its wire protocol and expose a narrow Go interface).
//
// The real daemon is reached over a Unix domain socket using a small framed
// request/reply envelope: a 4-byte big-endian length prefix followed by a
// single-byte opcode and an opcode-specific payload. Client implements that
// framing; InMemory is a same-process stand-in used by tests and by
// single-node wiring that has no daemon to dial.
package plasmaclient

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/coreids"
)

// opcode identifies the operation carried by a single framed request.
type opcode byte

const (
	opCreate   opcode = 1
	opSeal     opcode = 2
	opGet      opcode = 3
	opContains opcode = 4
	opRelease  opcode = 5
)

// Store is the capability surface the core runtime needs from the plasma
// object store daemon.
type Store interface {
	// Create reserves space for id and writes data/metadata, leaving it
	// unsealed (not yet visible to other Get callers) until Seal.
	Create(id coreids.ObjectID, data, metadata []byte) error
	// Seal makes a previously Created object visible.
	Seal(id coreids.ObjectID) error
	// Get returns the bytes and metadata for a sealed object. Callers that
	// need blocking-until-available semantics use pkg/memorystore or
	// pkg/objecttransport.Pull in front of this.
	Get(id coreids.ObjectID) (data, metadata []byte, err error)
	// Contains reports whether id is present and sealed locally.
	Contains(id coreids.ObjectID) bool
	// Release informs the daemon this process no longer needs its local
	// copy of id (the daemon may evict it once no process holds one).
	Release(id coreids.ObjectID) error
	io.Closer
}

// InMemory is a single-process stand-in for the plasma daemon: same
// interface, backed by a plain map instead of shared memory. Used by tests
// and by single-process wiring.
type InMemory struct {
	mu      sync.Mutex
	objects map[coreids.ObjectID]*entry
}

type entry struct {
	data     []byte
	metadata []byte
	sealed   bool
}

// NewInMemory creates an empty in-memory plasma stand-in.
func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[coreids.ObjectID]*entry)}
}

func (m *InMemory) Create(id coreids.ObjectID, data, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = &entry{data: data, metadata: metadata}
	return nil
}

func (m *InMemory) Seal(id coreids.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("plasmaclient: seal %s: not created", id)
	}
	e.sealed = true
	return nil
}

func (m *InMemory) Get(id coreids.ObjectID) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[id]
	if !ok || !e.sealed {
		return nil, nil, fmt.Errorf("plasmaclient: %s not present", id)
	}
	return e.data, e.metadata, nil
}

func (m *InMemory) Contains(id coreids.ObjectID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.objects[id]
	return ok && e.sealed
}

func (m *InMemory) Release(id coreids.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

func (m *InMemory) Close() error { return nil }

var _ Store = (*InMemory)(nil)

// Client dials the real plasma daemon over a Unix domain socket and speaks
// its framed request/reply envelope.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the plasma daemon listening on the given Unix socket path.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("plasmaclient: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) roundTrip(op opcode, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(op)
	if _, err := c.conn.Write(header[:]); err != nil {
		return nil, fmt.Errorf("plasmaclient: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("plasmaclient: write payload: %w", err)
		}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("plasmaclient: read reply length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	reply := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.conn, reply); err != nil {
			return nil, fmt.Errorf("plasmaclient: read reply body: %w", err)
		}
	}
	if n > 0 && reply[0] != 0 {
		return nil, fmt.Errorf("plasmaclient: daemon error: %s", reply[1:])
	}
	if n > 0 {
		return reply[1:], nil
	}
	return nil, nil
}

func encodeIDPayload(id coreids.ObjectID, rest ...[]byte) []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(id.Bytes())
	for _, r := range rest {
		var lenField [4]byte
		binary.BigEndian.PutUint32(lenField[:], uint32(len(r)))
		buf.Write(lenField[:])
		buf.Write(r)
	}
	return buf.Bytes()
}

func (c *Client) Create(id coreids.ObjectID, data, metadata []byte) error {
	_, err := c.roundTrip(opCreate, encodeIDPayload(id, data, metadata))
	return err
}

func (c *Client) Seal(id coreids.ObjectID) error {
	_, err := c.roundTrip(opSeal, encodeIDPayload(id))
	return err
}

func (c *Client) Get(id coreids.ObjectID) ([]byte, []byte, error) {
	reply, err := c.roundTrip(opGet, encodeIDPayload(id))
	if err != nil {
		return nil, nil, err
	}
	if len(reply) < 4 {
		return nil, nil, fmt.Errorf("plasmaclient: truncated get reply")
	}
	dataLen := binary.BigEndian.Uint32(reply[:4])
	rest := reply[4:]
	if uint32(len(rest)) < dataLen {
		return nil, nil, fmt.Errorf("plasmaclient: truncated get reply body")
	}
	data := rest[:dataLen]
	metadata := rest[dataLen:]
	return data, metadata, nil
}

func (c *Client) Contains(id coreids.ObjectID) bool {
	reply, err := c.roundTrip(opContains, encodeIDPayload(id))
	return err == nil && len(reply) == 1 && reply[0] == 1
}

func (c *Client) Release(id coreids.ObjectID) error {
	_, err := c.roundTrip(opRelease, encodeIDPayload(id))
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

var _ Store = (*Client)(nil)
