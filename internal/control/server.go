package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/logging"
	"github.com/breeze-rmm/screenrec/internal/notify"
	"github.com/breeze-rmm/screenrec/internal/recorder"
	"github.com/breeze-rmm/screenrec/internal/storage"
	"github.com/breeze-rmm/screenrec/internal/transcode"
)

var log = logging.L("control")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Options wires the server to the components it controls. Publisher may be
// nil.
type Options struct {
	Recorder   Recorder
	Transcoder Transcoder
	Publisher  Publisher
	Fs         afero.Fs
	SaveDir    string
	Now        func() time.Time
}

// Server accepts websocket clients and fans events out to all of them.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	subs []*notify.Subscription
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// New subscribes to the recorder, transcoder and publisher. Close releases
// the subscriptions.
func New(opts Options) *Server {
	opts.Fs = defaultFs(opts.Fs)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     localOrigin,
		},
	}

	s.subs = append(s.subs,
		opts.Recorder.Subscribe(func(st recorder.State) { s.Broadcast(EventState, st) }),
		opts.Recorder.SubscribeDiagnostics(func(d recorder.Diagnostic) { s.Broadcast(EventDiagnostic, d) }),
		opts.Transcoder.SubscribeProgress(func(p transcode.Progress) { s.Broadcast(EventProgress, p) }),
	)
	if opts.Publisher != nil {
		s.subs = append(s.subs,
			opts.Publisher.Subscribe(func(r storage.Result) { s.Broadcast(EventPublished, r) }))
	}
	return s
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Info("control client connected", "remote", r.RemoteAddr)

	c.queue(s.event(EventState, s.opts.Recorder.State()))

	go s.writePump(c)
	s.readPump(c)

	s.drop(c)
	log.Info("control client disconnected", "remote", r.RemoteAddr)
}

// Broadcast sends an event to every connected client. Clients that cannot
// keep up are disconnected.
func (s *Server) Broadcast(eventType string, data any) {
	msg := s.event(eventType, data)
	if msg == nil {
		return
	}
	s.mu.Lock()
	var slow []*client
	for c := range s.clients {
		if !c.queue(msg) {
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()
	for _, c := range slow {
		log.Warn("dropping slow control client", "remote", c.conn.RemoteAddr().String())
		s.drop(c)
	}
}

// Clients reports the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects all clients, releases subscriptions and waits for
// background conversions started by clients to return.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, sub := range s.subs {
		sub.Release()
	}
	for _, c := range clients {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait),
		)
		s.drop(c)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Server) event(eventType string, data any) []byte {
	msg, err := json.Marshal(Event{Type: eventType, Time: s.opts.Now(), Data: data})
	if err != nil {
		log.Error("failed to marshal event", "type", eventType, "error", err.Error())
		return nil
	}
	return msg
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) queue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Server) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err.Error())
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn("failed to parse command", "error", err.Error())
			continue
		}
		if cmd.ID == "" || cmd.Type == "" {
			continue
		}
		go s.processCommand(c, cmd)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err.Error())
				s.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

func (s *Server) processCommand(c *client, cmd Command) {
	log.Info("processing command", "commandId", cmd.ID, "commandType", cmd.Type)

	result := s.handle(cmd)
	result.Type = "command_result"
	result.CommandID = cmd.ID

	data, err := json.Marshal(result)
	if err != nil {
		log.Error("failed to marshal command result", "error", err.Error())
		return
	}
	if !c.queue(data) {
		log.Warn("send channel full, dropping command result", "commandId", cmd.ID)
	}
}

// localOrigin accepts clients without an Origin header and browser pages
// served from the loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
