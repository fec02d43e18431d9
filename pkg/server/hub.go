// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub keeps the connected websocket clients and pushes messages to all of them.
// The set of clients is owned by the goroutine running Hub.Run.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	mu         sync.RWMutex
	numClients int
}

// NewHub creates a Hub. Hub.Run must be called for it to work.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run the hub until ctx is cancelled, at which point all clients are disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			_ = client.Close()
		}
		h.clients = nil
		h.setNumClients(0)
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.setNumClients(len(h.clients))
			klog.V(1).Infof("Websocket client connected. Total: %d", len(h.clients))

		case client := <-h.unregister:
			if h.clients[client] {
				delete(h.clients, client)
				_ = client.Close()
				h.setNumClients(len(h.clients))
				klog.V(1).Infof("Websocket client disconnected. Total: %d", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					klog.Warningf("Error sending message to websocket client: %v", err)
					delete(h.clients, client)
					_ = client.Close()
				}
			}
			h.setNumClients(len(h.clients))
		}
	}
}

func (h *Hub) setNumClients(n int) {
	h.mu.Lock()
	h.numClients = n
	h.mu.Unlock()
}

// NumClients returns the number of connected clients.
func (h *Hub) NumClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.numClients
}

// Register a new client. It returns false if the hub is no longer running.
func (h *Hub) Register(client *websocket.Conn) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister and close the client.
func (h *Hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast message to all clients. It doesn't wait for the message to be delivered.
// If the hub is not keeping up, the message is dropped.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	default:
		klog.Warningf("Websocket hub is busy, dropped message of %d bytes", len(message))
	}
}
