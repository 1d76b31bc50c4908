package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pv/aqua-alert-go/internal/dataset"
	"github.com/pv/aqua-alert-go/internal/observability"
)

// Размер очереди клиента. Переполнение означает, что клиент не успевает читать.
const wsQueueSize = 32

type wsMessage struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	Dataset  string          `json:"dataset,omitempty"`
	Feed     string          `json:"feed,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
}

// ChangeStreamer рассылает применённые менеджерами изменения клиентам WebSocket.
// Publish подходит как dataset.Listener: он не блокируется, медленные клиенты отключаются.
type ChangeStreamer struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	metrics *observability.Metrics
}

// NewChangeStreamer создаёт стример без клиентов. metrics может быть nil.
func NewChangeStreamer(metrics *observability.Metrics) *ChangeStreamer {
	return &ChangeStreamer{
		clients: make(map[*wsClient]struct{}),
		metrics: metrics,
	}
}

// Publish отправляет событие клиентам, подписанным на его датасет.
func (s *ChangeStreamer) Publish(ev dataset.Event) {
	msg := wsMessage{
		Type:    "change",
		Dataset: ev.Dataset,
		Feed:    ev.Feed,
		Kind:    ev.Kind,
		Record:  ev.Record,
	}
	if ev.Kind == dataset.EventReset {
		msg.Type = "reset"
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var slow []*wsClient
	s.mu.RLock()
	for c := range s.clients {
		if c.wants(ev.Dataset) && !c.offer(data) {
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range slow {
		logDebugf("[ws] client %s is too slow, dropping", c.id)
		s.removeClient(c)
	}
}

// Clients возвращает число подключённых клиентов.
func (s *ChangeStreamer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeWS обрабатывает подключение клиента WebSocket.
// Параметр dataset (через запятую) ограничивает рассылку нужными датасетами.
func (s *ChangeStreamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conn, rw, err := upgradeWebSocket(w, r)
	if errors.Is(err, errHijacked) {
		logDebugf("[ws] %s: %v", r.RemoteAddr, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		rw:       rw,
		send:     make(chan []byte, wsQueueSize),
		datasets: parseDatasetFilter(r.URL.Query().Get("dataset")),
	}
	hello, _ := json.Marshal(wsMessage{Type: "hello", ClientID: c.id})
	if err := writeFrame(rw.Writer, opText, hello); err != nil {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.setGauge(n)
	logDebugf("[ws] client %s connected from %s", c.id, r.RemoteAddr)

	go func() {
		c.writeLoop()
		s.removeClient(c)
	}()
	go func() {
		_, _ = io.Copy(io.Discard, rw.Reader)
		s.removeClient(c)
	}()
}

func (s *ChangeStreamer) removeClient(c *wsClient) {
	s.mu.Lock()
	_, known := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if !known {
		return
	}
	c.stop()
	logDebugf("[ws] client %s disconnected", c.id)
	s.setGauge(n)
}

func (s *ChangeStreamer) setGauge(n int) {
	if s.metrics != nil && s.metrics.StreamClients != nil {
		s.metrics.StreamClients.Set(float64(n))
	}
}

func parseDatasetFilter(raw string) map[string]bool {
	var set map[string]bool
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			if set == nil {
				set = make(map[string]bool)
			}
			set[part] = true
		}
	}
	return set
}

type wsClient struct {
	id       string
	conn     net.Conn
	rw       *bufio.ReadWriter
	datasets map[string]bool // nil — все датасеты

	mu      sync.Mutex
	stopped bool
	send    chan []byte
}

func (c *wsClient) wants(name string) bool {
	return c.datasets == nil || c.datasets[name]
}

// offer ставит сообщение в очередь без блокировки. false — очередь полна.
func (c *wsClient) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop единственный пишет в соединение после приветствия.
// Когда очередь закрыта, отправляет кадр закрытия и закрывает сокет.
func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		if err := writeFrame(c.rw.Writer, opText, data); err != nil {
			return
		}
	}
	_ = writeFrame(c.rw.Writer, opClose, nil)
}

func (c *wsClient) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.send)
}
