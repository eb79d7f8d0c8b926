package comm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// PeerPath is where a WSMesh accepts connections from higher ranks.
const PeerPath = "/flowsnap/peer"

const (
	peerWriteWait   = 10 * time.Second
	peerPongWait    = 60 * time.Second
	peerPingEvery   = (peerPongWait * 9) / 10
	peerDialBackoff = 250 * time.Millisecond
)

var peerUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// WSMesh connects one process-level worker to its peers over websockets. The
// higher rank of every pair dials the lower rank, so rank 0 only accepts.
type WSMesh struct {
	rank   int
	size   int
	runID  string
	logger *log.Logger

	box *mailbox

	mu      sync.Mutex
	peers   map[int]*peerConn
	changed chan struct{}
	closed  bool
	done    chan struct{}
}

type peerConn struct {
	rank int
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWSMesh creates the endpoint for rank. Connections from higher ranks are
// accepted through Handler; Connect dials lower ranks and waits for the rest.
func NewWSMesh(rank, size int, runID string, logger *log.Logger) (*WSMesh, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("comm: rank %d outside world of %d", rank, size)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &WSMesh{
		rank:    rank,
		size:    size,
		runID:   strings.TrimSpace(runID),
		logger:  logger,
		box:     newMailbox(),
		peers:   make(map[int]*peerConn),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (m *WSMesh) Rank() int { return m.rank }
func (m *WSMesh) Size() int { return m.size }

// Handler accepts peer connections. Mount it at PeerPath.
func (m *WSMesh) Handler() http.Handler {
	return http.HandlerFunc(m.handlePeer)
}

func (m *WSMesh) handlePeer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.Atoi(q.Get("rank"))
	if err != nil || from <= m.rank || from >= m.size {
		http.Error(w, "rank must be a higher rank of this world", http.StatusBadRequest)
		return
	}
	if q.Get("size") != strconv.Itoa(m.size) {
		http.Error(w, "world size mismatch", http.StatusConflict)
		return
	}
	if strings.TrimSpace(q.Get("run")) != m.runID {
		http.Error(w, "run id mismatch", http.StatusConflict)
		return
	}
	conn, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	pc := &peerConn{rank: from, conn: conn}
	if err := m.register(pc); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(peerWriteWait))
		conn.Close()
		return
	}
	m.serve(pc)
}

// Connect dials every lower rank, retrying until it answers, then waits for
// every higher rank to dial in. addrs holds one host:port per rank.
func (m *WSMesh) Connect(ctx context.Context, addrs []string) error {
	if len(addrs) != m.size {
		return fmt.Errorf("comm: %d peer addresses for a world of %d", len(addrs), m.size)
	}
	for r := 0; r < m.rank; r++ {
		conn, err := m.dial(ctx, addrs[r])
		if err != nil {
			return fmt.Errorf("dial rank %d: %w", r, err)
		}
		pc := &peerConn{rank: r, conn: conn}
		if err := m.register(pc); err != nil {
			conn.Close()
			return err
		}
		go m.serve(pc)
	}
	for {
		m.mu.Lock()
		n := len(m.peers)
		wait := m.changed
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return ErrClosed
		}
		if n == m.size-1 {
			m.logger.Printf("comm: rank %d connected to %d peers", m.rank, n)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (m *WSMesh) dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: PeerPath}
	if strings.Contains(addr, "://") {
		parsed, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}
		u = *parsed
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		u.Path = strings.TrimRight(u.Path, "/") + PeerPath
	}
	u.RawQuery = url.Values{
		"rank": {strconv.Itoa(m.rank)},
		"size": {strconv.Itoa(m.size)},
		"run":  {m.runID},
	}.Encode()

	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			return conn, nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%s: %s", u.Redacted(), resp.Status)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", u.Redacted(), errors.Join(ctx.Err(), err))
		case <-time.After(peerDialBackoff):
		}
	}
}

func (m *WSMesh) register(pc *peerConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.peers[pc.rank]; ok {
		return fmt.Errorf("comm: rank %d already connected", pc.rank)
	}
	m.peers[pc.rank] = pc
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

// serve pumps frames from one peer into the mailbox until the connection
// drops. A drop before Close fails the whole mesh.
func (m *WSMesh) serve(pc *peerConn) {
	conn := pc.conn
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(peerPongWait)); err != nil {
		m.lost(pc.rank, err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(peerPongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go m.ping(pc, stop)

	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			m.lost(pc.rank, err)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(raw)
		if err != nil {
			m.lost(pc.rank, err)
			return
		}
		if f.from != pc.rank {
			m.lost(pc.rank, fmt.Errorf("frame claims rank %d", f.from))
			return
		}
		if err := m.box.push(f.tag, message{from: f.from, payload: f.payload}); err != nil {
			return
		}
	}
}

func (m *WSMesh) ping(pc *peerConn, stop <-chan struct{}) {
	ticker := time.NewTicker(peerPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.done:
			return
		case <-ticker.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(peerWriteWait)); err != nil {
				return
			}
		}
	}
}

func (m *WSMesh) lost(rank int, err error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		// The peer finished; whatever it sent is already queued.
		m.logger.Printf("comm: rank %d finished", rank)
		return
	}
	m.logger.Printf("comm: lost rank %d: %v", rank, err)
	m.box.fail(fmt.Errorf("%w: rank %d: %v", ErrClosed, rank, err))
}

func (m *WSMesh) Send(ctx context.Context, to int, tag Tag, payload []byte) error {
	if to < 0 || to >= m.size {
		return fmt.Errorf("comm: send to rank %d of %d", to, m.size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == m.rank {
		return m.box.push(tag, message{from: m.rank, payload: append([]byte(nil), payload...)})
	}
	if err := m.box.failure(); err != nil {
		return err
	}
	m.mu.Lock()
	pc, ok := m.peers[to]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("comm: rank %d not connected", to)
	}

	raw := encodeFrame(frame{from: m.rank, tag: tag, payload: payload})
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	if err := pc.conn.SetWriteDeadline(time.Now().Add(peerWriteWait)); err != nil {
		return err
	}
	if err := pc.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("send to rank %d: %w", to, err)
	}
	return nil
}

func (m *WSMesh) Recv(ctx context.Context, tag Tag) (int, []byte, error) {
	msg, err := m.box.pop(ctx, tag)
	if err != nil {
		return 0, nil, err
	}
	return msg.from, msg.payload, nil
}

// Close tells every peer this rank finished and fails pending local
// receives.
func (m *WSMesh) Close() error {
	return m.shutdown(websocket.CloseNormalClosure, "")
}

// Abort is Close for a rank that stopped on err. Peers fail their pending
// receives instead of waiting for it.
func (m *WSMesh) Abort(err error) error {
	reason := "aborted"
	if err != nil {
		reason = closeReason(err.Error())
	}
	return m.shutdown(websocket.CloseInternalServerErr, reason)
}

// closeReason trims msg to fit a close frame, which carries at most 123 bytes
// of UTF-8 reason.
func closeReason(msg string) string {
	const limit = 120
	if len(msg) <= limit {
		return msg
	}
	msg = msg[:limit]
	for len(msg) > 0 && !utf8.ValidString(msg) {
		msg = msg[:len(msg)-1]
	}
	return msg
}

func (m *WSMesh) shutdown(code int, reason string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	close(m.changed)
	m.changed = make(chan struct{})
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.mu.Unlock()

	for _, pc := range peers {
		pc.wmu.Lock()
		_ = pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		pc.wmu.Unlock()
		pc.conn.Close()
	}
	m.box.fail(ErrClosed)
	return nil
}
