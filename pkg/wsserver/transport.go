package wsserver

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

var (
	// ErrSendQueueFull is returned when the outbound queue has no room
	ErrSendQueueFull = errors.New("wsserver: outbound queue full")
	// ErrConnClosed is returned for writes after the socket is gone
	ErrConnClosed = errors.New("wsserver: connection closed")
	// ErrCloseInProgress is returned for writes or closes after a close was requested
	ErrCloseInProgress = errors.New("wsserver: close already requested")
)

// maxCloseReason is the largest reason that fits a 125 byte control frame
const maxCloseReason = 123

type transportConfig struct {
	sendBuffer   int
	readLimit    int64
	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration
	closeTimeout time.Duration
}

type outbound struct {
	messageType int
	data        []byte
}

// wsTransport is the gorilla/websocket Transport. One read pump (run on the
// HTTP handler goroutine) and one write pump own the socket; everything
// else talks to it through the send queue.
type wsTransport struct {
	conn *websocket.Conn
	cfg  transportConfig

	send     chan outbound
	done     chan struct{}
	doneOnce sync.Once
	closing  atomic.Bool

	mu          sync.Mutex
	closeCode   CloseCode
	closeReason string
	closeTimer  *time.Timer
}

func newTransport(conn *websocket.Conn, cfg transportConfig) *wsTransport {
	return &wsTransport{
		conn: conn,
		cfg:  cfg,
		send: make(chan outbound, cfg.sendBuffer),
		done: make(chan struct{}),
	}
}

func (t *wsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *wsTransport) SendText(msg string) error {
	return t.enqueue(outbound{websocket.TextMessage, []byte(msg)})
}

func (t *wsTransport) SendBinary(data []byte) error {
	return t.enqueue(outbound{websocket.BinaryMessage, data})
}

func (t *wsTransport) enqueue(m outbound) error {
	if t.isDone() {
		return ErrConnClosed
	}
	if t.closing.Load() {
		return ErrCloseInProgress
	}
	select {
	case t.send <- m:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// requestClose records the first close request; later requests lose
func (t *wsTransport) requestClose(code CloseCode, reason string) bool {
	if !t.closing.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	t.closeCode = code
	t.closeReason = reason
	t.mu.Unlock()
	return true
}

// Close queues a close frame behind any pending messages and arms the
// close timeout that tears the socket down if the peer never answers.
func (t *wsTransport) Close(code CloseCode, reason string) error {
	reason = truncateReason(reason)
	if !t.requestClose(code, reason) {
		return ErrCloseInProgress
	}

	frame := websocket.FormatCloseMessage(int(code), reason)
	select {
	case t.send <- outbound{websocket.CloseMessage, frame}:
	default:
		// Queue is full; the close frame goes out of band.
		_ = t.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(t.cfg.writeWait))
	}

	t.mu.Lock()
	t.closeTimer = time.AfterFunc(t.cfg.closeTimeout, func() {
		t.conn.Close()
	})
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) Terminate(code CloseCode, reason string) error {
	reason = truncateReason(reason)
	if t.requestClose(code, reason) {
		frame := websocket.FormatCloseMessage(int(code), reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(t.cfg.writeWait))
	}
	return t.conn.Close()
}

func (t *wsTransport) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *wsTransport) shutdown() {
	t.doneOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	if t.closeTimer != nil {
		t.closeTimer.Stop()
	}
	t.mu.Unlock()
	t.conn.Close()
}

// readPump delivers inbound data frames until the socket ends and returns
// the close status to report.
func (t *wsTransport) readPump(onMessage func(data []byte, binary bool)) (CloseCode, string) {
	defer t.shutdown()

	t.conn.SetReadLimit(t.cfg.readLimit)
	t.conn.SetReadDeadline(time.Now().Add(t.cfg.pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.cfg.pongWait))
	})

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return t.closeStatus(err)
		}
		onMessage(data, messageType == websocket.BinaryMessage)
	}
}

func (t *wsTransport) closeStatus(err error) (CloseCode, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseCode(ce.Code), ce.Text
	}
	if t.closing.Load() {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.closeCode, t.closeReason
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return CloseMessageTooBig, "message too big"
	}
	return CloseAbnormal, ""
}

// writePump drains the send queue and keeps the peer alive with pings.
// It stops after writing a close frame.
func (t *wsTransport) writePump(onError func(error)) {
	ticker := time.NewTicker(t.cfg.pingInterval)
	defer ticker.Stop()

	fail := func(err error) {
		if !errors.Is(err, websocket.ErrCloseSent) && !t.isDone() {
			onError(err)
		}
	}

	for {
		select {
		case m := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.writeWait))
			if err := t.conn.WriteMessage(m.messageType, m.data); err != nil {
				fail(err)
				return
			}
			if m.messageType == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(t.cfg.writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				fail(err)
				return
			}
		case <-t.done:
			return
		}
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
