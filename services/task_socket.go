package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Constants for socket service configuration
const (
	MaxSocketClients      = 100 // Maximum concurrent WebSocket clients
	SocketWriteTimeout    = 10 * time.Second
	SocketPongTimeout     = 60 * time.Second
	SocketPingInterval    = 30 * time.Second
	clientSendBuffer      = 256
	notifierSubscribeSize = 256
)

// TaskUpdateMessage is the wire format pushed to dashboard clients
type TaskUpdateMessage struct {
	Type     string `json:"type"` // always "task_update"
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Time     string `json:"time"`
}

// socketClient represents one connected dashboard observer
type socketClient struct {
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]bool // task ids; empty = all tasks
	mu         sync.RWMutex
}

func (c *socketClient) wants(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscribed) == 0 {
		return true
	}
	return c.subscribed[taskID]
}

// TaskSocketService is the delivery transport for task events: it
// subscribes to the notifier and pushes task_update messages to every
// connected WebSocket client. Slow clients are disconnected rather
// than allowed to block the hub.
type TaskSocketService struct {
	notifier *TaskNotifier

	clients    map[*socketClient]bool
	register   chan *socketClient
	unregister chan *socketClient
	shutdown   chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader

	unsubscribe func()
	stopOnce    sync.Once
}

// NewTaskSocketService creates the hub and starts forwarding notifier
// events to connected clients
func NewTaskSocketService(notifier *TaskNotifier) *TaskSocketService {
	s := &TaskSocketService{
		notifier:   notifier,
		clients:    make(map[*socketClient]bool),
		register:   make(chan *socketClient),
		unregister: make(chan *socketClient),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	events, cancel := notifier.Subscribe(notifierSubscribeSize)
	s.unsubscribe = cancel

	go s.run(events)
	log.Println("Task socket service initialized")
	return s
}

// Shutdown stops the hub and closes all client connections
func (s *TaskSocketService) Shutdown() {
	s.stopOnce.Do(func() {
		s.unsubscribe()
		close(s.shutdown)

		s.mu.Lock()
		for client := range s.clients {
			close(client.send)
			client.conn.Close()
		}
		s.clients = make(map[*socketClient]bool)
		s.mu.Unlock()

		log.Println("Task socket service shutdown complete")
	})
}

// run is the hub loop: client registration plus event fan-out
func (s *TaskSocketService) run(events <-chan TaskEvent) {
	for {
		select {
		case <-s.shutdown:
			return

		case client := <-s.register:
			s.mu.Lock()
			if len(s.clients) >= MaxSocketClients {
				s.mu.Unlock()
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				client.conn.Close()
				log.Printf("WebSocket client rejected: max clients reached (%d)", MaxSocketClients)
				continue
			}
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			log.Printf("WebSocket client connected. Total clients: %d", clientCount)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			clientCount := len(s.clients)
			s.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total clients: %d", clientCount)

		case event, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(event)
		}
	}
}

// broadcast sends one task event to every interested client
func (s *TaskSocketService) broadcast(event TaskEvent) {
	msg := TaskUpdateMessage{
		Type:     "task_update",
		TaskID:   event.TaskID,
		Status:   string(event.Status),
		Progress: event.Progress,
		Message:  event.Message,
		Time:     time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling task update: %v", err)
		return
	}

	s.mu.Lock()
	deadClients := make([]*socketClient, 0)
	for client := range s.clients {
		if !client.wants(event.TaskID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, mark for removal
			deadClients = append(deadClients, client)
		}
	}
	for _, client := range deadClients {
		delete(s.clients, client)
		close(client.send)
	}
	s.mu.Unlock()
}

// HandleWebSocket upgrades the request and attaches the client to the hub
func (s *TaskSocketService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	atCapacity := len(s.clients) >= MaxSocketClients
	s.mu.RUnlock()

	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &socketClient{
		conn:       conn,
		send:       make(chan []byte, clientSendBuffer),
		subscribed: make(map[string]bool),
	}

	s.register <- client

	go client.writePump()
	go client.readPump(s)
}

// writePump writes messages to the WebSocket connection
func (c *socketClient) writePump() {
	ticker := time.NewTicker(SocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads subscribe/unsubscribe commands from the connection
func (c *socketClient) readPump(s *TaskSocketService) {
	defer func() {
		s.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(SocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(SocketPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}

		var cmd struct {
			Action  string   `json:"action"`
			TaskIDs []string `json:"task_ids"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.mu.Lock()
			for _, id := range cmd.TaskIDs {
				c.subscribed[id] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, id := range cmd.TaskIDs {
				delete(c.subscribed, id)
			}
			c.mu.Unlock()
		}
	}
}
