// Package rpc implements the transaction-oriented KRPC multiplexer: a
// single UDP socket shared by every outbound query (matched to its response
// by a locally-allocated transaction ID) and every inbound query (dispatched
// to a host-supplied handler).
package rpc

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/bpfs/dht/krpc"
)

// DefaultTimeout is the per-transaction response deadline. A value of 0
// disables the timeout entirely, per the base specification.
const DefaultTimeout = 2 * time.Second

// maxDatagramSize bounds a single read; KRPC datagrams are small.
const maxDatagramSize = 0x10000

// ErrClosed is returned by Query and Serve after Close.
var ErrClosed = errors.New("rpc: server closed")

// QueryHandler answers an inbound y='q' message. A nil *krpc.Return paired
// with a non-nil error value rejects the query with a KRPC error.
type QueryHandler func(q *krpc.Msg, from *net.UDPAddr) (*krpc.Return, *krpc.ErrorValue)

// transaction is a pending outbound query awaiting a response or error.
type transaction struct {
	addr   string
	result chan transactionResult
}

type transactionResult struct {
	r   *krpc.Return
	e   *krpc.ErrorValue
	err error
}

// Server is the UDP-socket-owning KRPC endpoint. There is exactly one
// reader goroutine (started by Serve); all transaction-map mutation happens
// either on that goroutine or under mu, matching the single-threaded
// cooperative scheduler the base specification assumes.
type Server struct {
	conn  net.PacketConn
	clock clock.Clock

	timeout time.Duration

	handler   QueryHandler
	onTimeout func(addr *net.UDPAddr)

	mu           sync.Mutex
	transactions map[string]*transaction
	closed       bool
	closeCh      chan struct{}

	wg sync.WaitGroup
}

// NewServer wraps conn. A nil clock defaults to the real wall clock. timeout
// is used exactly as given: 0 disables the per-transaction timeout entirely,
// per the base specification. Callers wanting DefaultTimeout must pass it
// explicitly — NewServer applies no default of its own.
func NewServer(conn net.PacketConn, timeout time.Duration, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		conn:         conn,
		clock:        clk,
		timeout:      timeout,
		transactions: make(map[string]*transaction),
		closeCh:      make(chan struct{}),
	}
}

// SetQueryHandler installs the callback invoked for every inbound y='q'
// message. Must be called before Serve.
func (s *Server) SetQueryHandler(h QueryHandler) { s.handler = h }

// SetOnTimeout installs the callback invoked when an outbound query's
// transaction expires without a response.
func (s *Server) SetOnTimeout(f func(addr *net.UDPAddr)) { s.onTimeout = f }

// Serve runs the inbound read loop until ctx is cancelled or the server is
// closed. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closeCh:
		}
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
			}
			logrus.WithError(err).Debug("rpc: socket read error")
			return err
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.handleDatagram(buf[:n], udpAddr)
	}
}

func (s *Server) handleDatagram(b []byte, from *net.UDPAddr) {
	var msg krpc.Msg
	if err := krpc.Unmarshal(b, &msg); err != nil {
		logrus.WithError(err).Debug("rpc: dropping unparseable datagram")
		return
	}
	if msg.T == "" || (msg.Y != krpc.TypeQuery && msg.Y != krpc.TypeResponse && msg.Y != krpc.TypeError) {
		logrus.Debug("rpc: dropping datagram with missing t or unknown y")
		return
	}

	switch msg.Y {
	case krpc.TypeQuery:
		s.handleQuery(&msg, from)
	case krpc.TypeResponse:
		s.resolve(msg.T, transactionResult{r: msg.R})
	case krpc.TypeError:
		s.resolve(msg.T, transactionResult{e: msg.E})
	}
}

func (s *Server) handleQuery(msg *krpc.Msg, from *net.UDPAddr) {
	if s.handler == nil {
		return
	}
	r, e := s.handler(msg, from)
	reply := &krpc.Msg{T: msg.T}
	if e != nil {
		reply.Y = krpc.TypeError
		reply.E = e
	} else {
		reply.Y = krpc.TypeResponse
		reply.R = r
	}
	s.send(reply, from)
}

// resolve delivers a response or error to its waiting transaction. An
// unknown transaction ID (late response, or spoofed) is logged and dropped;
// it never consults the handler.
func (s *Server) resolve(t string, res transactionResult) {
	s.mu.Lock()
	tx, ok := s.transactions[t]
	if ok {
		delete(s.transactions, t)
	}
	s.mu.Unlock()
	if !ok {
		logrus.WithField("t", t).Debug("rpc: response for unknown transaction")
		return
	}
	select {
	case tx.result <- res:
	default:
	}
}

// Query sends a single query to addr and blocks until a response, an
// error, the timeout, or ctx cancellation. It never retries.
func (s *Server) Query(ctx context.Context, addr *net.UDPAddr, method string, args *krpc.Args) (*krpc.Return, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	t, err := s.allocTransactionLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tx := &transaction{addr: addr.String(), result: make(chan transactionResult, 1)}
	s.transactions[t] = tx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.transactions, t)
		s.mu.Unlock()
	}()

	msg := &krpc.Msg{T: t, Y: krpc.TypeQuery, Q: method, A: args}
	if err := s.send(msg, addr); err != nil {
		return nil, err
	}

	queryCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	select {
	case res := <-tx.result:
		if res.e != nil {
			return nil, res.e
		}
		return res.r, res.err
	case <-queryCtx.Done():
		if ctx.Err() == nil && s.onTimeout != nil {
			s.onTimeout(addr)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Addr: addr}
	case <-s.closeCh:
		return nil, ErrClosed
	}
}

// TimeoutError is returned by Query when a transaction expires with no
// response.
type TimeoutError struct{ Addr *net.UDPAddr }

func (e *TimeoutError) Error() string { return "rpc: timeout exceeded waiting for " + e.Addr.String() }

// allocTransactionLocked picks a 4-byte transaction ID unique across the
// outstanding set by rejection sampling, per the base specification. Caller
// holds mu.
func (s *Server) allocTransactionLocked() (string, error) {
	for attempts := 0; attempts < 64; attempts++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", err
		}
		t := string(b[:])
		if _, exists := s.transactions[t]; !exists {
			return t, nil
		}
	}
	return "", errors.New("rpc: failed to allocate a unique transaction id")
}

func (s *Server) send(msg *krpc.Msg, addr *net.UDPAddr) error {
	b, err := krpc.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(b, addr)
	if err != nil {
		logrus.WithError(err).Debug("rpc: socket write error")
	}
	return err
}

// Close shuts down the socket and fails every outstanding transaction with
// ErrClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closeCh)
	for t, tx := range s.transactions {
		select {
		case tx.result <- transactionResult{err: ErrClosed}:
		default:
		}
		delete(s.transactions, t)
	}
	s.mu.Unlock()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
