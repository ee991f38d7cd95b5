// Package ist implements incremental state transfer (spec.md §4.4):
// point-to-point replay of a contiguous global_seqno range from gcache to
// a joining peer, used instead of a full snapshot whenever the range is
// still covered by the donor's cache.
package ist

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/AlexStocks/log4go"
	gxnet "github.com/dubbogo/gost/net"
	gxsync "github.com/dubbogo/gost/sync"
	"github.com/google/uuid"
	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/repcore/gcache"
	"github.com/zhukovaskychina/repcore/trx"
)

// Event is one write-set (or the end-of-stream/error marker) delivered
// by a Receiver into its ISTEventQueue.
type Event struct {
	Handle *trx.Handle
	EOF    bool
	Err    error
}

// ISTEventQueue is a bounded blocking queue of Events consumed by
// applier threads during an IST gap. On receiver EOF it broadcasts a
// terminal Event to every pending and future consumer; on error the
// first popper observes the error exactly once, subsequent poppers see
// EOF (grounded on protocol/message_bus.go's buffered-channel +
// stopChan shutdown shape).
type ISTEventQueue struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewISTEventQueue builds a queue with the given buffer depth.
func NewISTEventQueue(depth int) *ISTEventQueue {
	return &ISTEventQueue{ch: make(chan Event, depth)}
}

// Push enqueues an Event; it is a no-op after Close.
func (q *ISTEventQueue) Push(e Event) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	q.ch <- e
}

// Pop blocks for the next Event or ctx cancellation.
func (q *ISTEventQueue) Pop(ctx doneCtx) (Event, error) {
	select {
	case e, ok := <-q.ch:
		if !ok {
			return Event{EOF: true}, nil
		}
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close stops further Push calls and drains outstanding Pop callers with
// EOF events.
func (q *ISTEventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ch)
}

// doneCtx is the minimal context.Context surface ISTEventQueue needs,
// named separately so callers can pass context.Context directly.
type doneCtx interface {
	Done() <-chan struct{}
	Err() error
}

// wireHeader is the fixed-size prefix of every streamed record: the
// global_seqno, the gcs.ActionType, an is-dummy flag, and the payload
// length.
type wireHeader struct {
	Seqno   int64
	Type    uint8
	IsDummy uint8
	Len     uint32
}

const wireHeaderSize = 8 + 1 + 1 + 4

func writeHeader(w io.Writer, h wireHeader) error {
	var buf [wireHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Seqno))
	buf[8] = h.Type
	buf[9] = h.IsDummy
	binary.LittleEndian.PutUint32(buf[10:14], h.Len)
	_, err := w.Write(buf[:])
	return err
}

func readHeader(r io.Reader) (wireHeader, error) {
	var buf [wireHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return wireHeader{}, err
	}
	return wireHeader{
		Seqno:   int64(binary.LittleEndian.Uint64(buf[0:8])),
		Type:    buf[8],
		IsDummy: buf[9],
		Len:     binary.LittleEndian.Uint32(buf[10:14]),
	}, nil
}

// Receiver binds a TCP (optionally TLS) listener, awaits a single Sender
// connection, and reconstructs the delivered range into Queue. The
// accept-loop-with-backoff shape is adapted from
// server/net/net_server.go's runTcpEventLoop/accept pair, generalized
// from a MySQL connection to a single IST stream.
type Receiver struct {
	Addr     string
	TLS      *tls.Config
	Queue    *ISTEventQueue
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewReceiver builds a Receiver bound to addr (host:port, or an empty
// addr for a random port); depth sizes the ISTEventQueue.
func NewReceiver(addr string, tlsCfg *tls.Config, depth int) (*Receiver, error) {
	r := &Receiver{
		Addr:  addr,
		TLS:   tlsCfg,
		Queue: NewISTEventQueue(depth),
		done:  make(chan struct{}),
	}
	if err := r.listen(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Receiver) listen() error {
	var (
		ln  net.Listener
		err error
	)
	if r.Addr == "" {
		ln, err = gxnet.ListenOnTCPRandomPort("")
	} else if r.TLS != nil {
		ln, err = tls.Listen("tcp", r.Addr, r.TLS)
	} else {
		ln, err = net.Listen("tcp", r.Addr)
	}
	if err != nil {
		return jerrors.Annotatef(err, "ist: listen(addr:%s)", r.Addr)
	}
	r.listener = ln
	r.Addr = ln.Addr().String()
	return nil
}

// Run accepts exactly one Sender connection (IST is point-to-point) and
// streams it into Queue until EOF, error, or Close.
func (r *Receiver) Run(first, last int64) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var delay time.Duration
		for {
			select {
			case <-r.done:
				return
			default:
			}
			if delay != 0 {
				time.Sleep(delay)
			}

			conn, err := r.listener.Accept()
			if err != nil {
				select {
				case <-r.done:
					return
				default:
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					if delay == 0 {
						delay = 5 * time.Millisecond
					} else if delay *= 2; delay > time.Second {
						delay = time.Second
					}
					continue
				}
				log.Warn("ist: Receiver.Accept() = err:%+v", err)
				r.Queue.Push(Event{Err: jerrors.Trace(err)})
				r.Queue.Close()
				return
			}
			if gxnet.IsSameAddr(conn.RemoteAddr(), conn.LocalAddr()) {
				log.Warn("ist: refusing self-connect on %s", r.Addr)
				conn.Close()
				continue
			}

			r.stream(conn, first, last)
			return // point-to-point: one sender is the whole transfer.
		}
	}()
}

func (r *Receiver) stream(conn net.Conn, first, last int64) {
	defer conn.Close()
	defer r.Queue.Close()

	br := bufio.NewReader(conn)
	for seqno := first; seqno <= last; seqno++ {
		h, err := readHeader(br)
		if err != nil {
			r.Queue.Push(Event{Err: jerrors.Annotatef(err, "ist: read header for seqno %d", seqno)})
			return
		}
		data := make([]byte, h.Len)
		if _, err := io.ReadFull(br, data); err != nil {
			r.Queue.Push(Event{Err: jerrors.Annotatef(err, "ist: read payload for seqno %d", seqno)})
			return
		}

		var ws trx.WriteSet
		if err := ws.Unmarshal(data); err != nil {
			r.Queue.Push(Event{Err: jerrors.Annotate(err, "ist: decode write-set")})
			return
		}
		handle := trx.NewRemote(uuid.UUID{}, h.Seqno, h.Seqno, h.Seqno-1, ws, 0)
		r.Queue.Push(Event{Handle: handle})
	}
	r.Queue.Push(Event{EOF: true})
}

// Close stops the accept loop and releases the listener.
func (r *Receiver) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	err := r.listener.Close()
	r.wg.Wait()
	return err
}

// Sender streams write-sets from a gcache.Store by global_seqno, in
// order, to a single Receiver connection.
type Sender struct {
	store gcache.Store
}

// NewSender builds a Sender reading from store.
func NewSender(store gcache.Store) *Sender {
	return &Sender{store: store}
}

// Send dials addr and streams [first, last] from the store.
func (s *Sender) Send(addr string, tlsCfg *tls.Config, first, last int64) error {
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return jerrors.Annotatef(err, "ist: dial(addr:%s)", addr)
	}
	defer conn.Close()

	records, err := s.store.Range(first, last)
	if err != nil {
		return jerrors.Annotate(err, "ist: range")
	}

	bw := bufio.NewWriter(conn)
	for _, rec := range records {
		var dummy uint8
		if rec.IsDummy {
			dummy = 1
		}
		h := wireHeader{Seqno: rec.Seqno, Type: uint8(rec.Type), IsDummy: dummy, Len: uint32(len(rec.Data))}
		if err := writeHeader(bw, h); err != nil {
			return jerrors.Annotatef(err, "ist: write header for seqno %d", rec.Seqno)
		}
		if _, err := bw.Write(rec.Data); err != nil {
			return jerrors.Annotatef(err, "ist: write payload for seqno %d", rec.Seqno)
		}
	}
	return jerrors.Trace(bw.Flush())
}

// AsyncSenderMap tracks outbound Senders keyed by peer id so one peer's
// send can be cancelled with Cancel, grounded on session_manager.go's
// connSessions map pattern (mutex-guarded map). It has no Close: nothing
// cancels the tracked sends all at once.
type AsyncSenderMap struct {
	mu      sync.Mutex
	pool    gxsync.GenericTaskPool
	cancels map[string]context_canceler
}

type context_canceler func()

// NewAsyncSenderMap builds a map whose dispatched sends run on pool.
func NewAsyncSenderMap(pool gxsync.GenericTaskPool) *AsyncSenderMap {
	return &AsyncSenderMap{pool: pool, cancels: make(map[string]context_canceler)}
}

// Dispatch starts sending [first,last] to addr for peer, tracked under
// peer's id; fn is invoked with the outcome once the send completes or
// is cancelled.
func (m *AsyncSenderMap) Dispatch(peer string, store gcache.Store, addr string, tlsCfg *tls.Config, first, last int64, fn func(error)) {
	cancelled := make(chan struct{})
	m.mu.Lock()
	m.cancels[peer] = func() { close(cancelled) }
	m.mu.Unlock()

	m.pool.AddTask(func() {
		defer func() {
			m.mu.Lock()
			delete(m.cancels, peer)
			m.mu.Unlock()
		}()

		sender := NewSender(store)
		done := make(chan error, 1)
		go func() { done <- sender.Send(addr, tlsCfg, first, last) }()

		select {
		case err := <-done:
			fn(err)
		case <-cancelled:
			fn(jerrors.New("ist: sender cancelled"))
		}
	})
}

// Cancel cancels the outbound send tracked for peer, if any.
func (m *AsyncSenderMap) Cancel(peer string) {
	m.mu.Lock()
	cancel, ok := m.cancels[peer]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

