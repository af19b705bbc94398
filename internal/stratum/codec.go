package stratum

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const (
	// maxLineSize bounds a single JSON-RPC line from a miner.
	maxLineSize = 16 * 1024

	// writeQueueSize is how many outbound messages may wait for a miner
	// before the connection is dropped as too slow.
	writeQueueSize = 64

	// writeTimeout bounds a single write to a miner.
	writeTimeout = 10 * time.Second
)

var (
	// ErrWriteQueueFull is returned when a miner stops reading and its
	// outbound queue fills up. The connection is closed.
	ErrWriteQueueFull = errors.New("stratum: write queue full")

	// ErrCodecClosed is returned by sends after Close.
	ErrCodecClosed = errors.New("stratum: connection closed")
)

var fastJSON = sonic.ConfigDefault

// Request is a JSON-RPC request from a miner.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response answers a Request.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server-initiated message such as mining.notify.
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Codec reads newline-delimited requests and writes responses and
// notifications.
//
// Sends never block: messages are queued and written in order by a
// dedicated goroutine. A miner that lets the queue fill up, or whose write
// fails or exceeds writeTimeout, is disconnected.
type Codec struct {
	conn    io.ReadWriteCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	out    chan []byte
	closed bool
	err    error
}

// NewCodec wraps conn and starts its writer.
func NewCodec(conn io.ReadWriteCloser) *Codec {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxLineSize)
	c := &Codec{
		conn:    conn,
		scanner: scanner,
		out:     make(chan []byte, writeQueueSize),
	}
	go c.writeLoop()
	return c
}

// ReadRequest blocks until the next non-empty line and decodes it.
func (c *Codec) ReadRequest() (*Request, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := fastJSON.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return &req, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// SendResponse queues resp as one line.
func (c *Codec) SendResponse(resp *Response) error {
	return c.write(resp)
}

// SendNotification queues n as one line.
func (c *Codec) SendNotification(n *Notification) error {
	return c.write(n)
}

func (c *Codec) write(v interface{}) error {
	data, err := fastJSON.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if c.err != nil {
			return c.err
		}
		return ErrCodecClosed
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.shutdownLocked(ErrWriteQueueFull)
		return ErrWriteQueueFull
	}
}

func (c *Codec) writeLoop() {
	for data := range c.out {
		if d, ok := c.conn.(writeDeadliner); ok {
			d.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if _, err := c.conn.Write(data); err != nil {
			c.mu.Lock()
			c.shutdownLocked(fmt.Errorf("write: %w", err))
			c.mu.Unlock()
			for range c.out {
			}
			return
		}
	}
}

// shutdownLocked stops accepting sends and closes the connection, which
// also unblocks a pending ReadRequest.
func (c *Codec) shutdownLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.out)
	c.conn.Close()
}

// Err returns the error that shut the writer down, if any.
func (c *Codec) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the underlying connection. Queued messages are discarded.
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	err := c.conn.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
