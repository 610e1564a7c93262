package ws

import (
	"encoding/json"
	"sync"
	"time"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// StatusEvent is the payload broadcast on every deployment transition.
type StatusEvent struct {
	DeploymentID string    `json:"deploymentId"`
	Status       string    `json:"status"`
	URL          string    `json:"url,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Hub manages status stream subscriptions keyed by deployment ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	deploymentID string
	payload      []byte
}

type subscription struct {
	deploymentID string
	client       Subscriber
}

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deploymentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.deploymentID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.deploymentID)
				}
			}
		}
	}
}

// Register adds a client to a deployment status stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	h.register <- subscription{deploymentID: deploymentID, client: client}
}

// Unregister removes a client from a deployment status stream.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.unreg <- subscription{deploymentID: deploymentID, client: client}
}

// Broadcast sends payload to every subscriber of the deployment.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	h.broadcast <- message{deploymentID: deploymentID, payload: payload}
}

// Publish encodes a status event and broadcasts it to the deployment's
// subscribers. Encoding failures are silently dropped since the event
// shape is fixed.
func (h *Hub) Publish(event StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.Broadcast(event.DeploymentID, payload)
}

// chanSubscriber adapts a channel to the Subscriber interface. Used by
// tests and by in-process listeners that do not hold a socket.
type chanSubscriber struct {
	once sync.Once
	ch   chan []byte
}

// NewChannelSubscriber returns a Subscriber delivering payloads on the
// returned channel. The channel is closed when the hub drops the client.
func NewChannelSubscriber(buffer int) (Subscriber, <-chan []byte) {
	s := &chanSubscriber{ch: make(chan []byte, buffer)}
	return s, s.ch
}

func (s *chanSubscriber) Send(payload []byte) error {
	select {
	case s.ch <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

func (s *chanSubscriber) Close() {
	s.once.Do(func() { close(s.ch) })
}
