// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/hub"
)

var errNotInRoom = streamrpc.ReturnStatus(codes.FailedPrecondition, "not in a room")

// Receiver methods invoked on chat clients.
var (
	onJoin    = hub.MethodID("OnJoin")
	onLeave   = hub.MethodID("OnLeave")
	onMessage = hub.MethodID("OnMessage")
)

// Message is the payload of every chat broadcast.
type Message struct {
	Room string `msgpack:"room"`
	User string `msgpack:"user"`
	Text string `msgpack:"text"`
}

// ChatHub is created per connection. A connection is in at most one room.
type ChatHub struct {
	conn *hub.Connection

	mu   sync.Mutex
	room *hub.Group
	user string
}

func newChatHub(conn *hub.Connection) *ChatHub {
	return &ChatHub{conn: conn}
}

// Join enters room as user and returns the number of members.
func (h *ChatHub) Join(c *hub.Context, room, user string) (int, error) {
	room, user = strings.TrimSpace(room), strings.TrimSpace(user)
	if room == "" || user == "" {
		return 0, streamrpc.ReturnStatus(codes.InvalidArgument, "room and user are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.room != nil {
		return 0, streamrpc.ReturnStatus(codes.FailedPrecondition, "already in room "+h.room.Name())
	}
	g, err := c.Groups().Add(room)
	if err != nil {
		return 0, err
	}
	names, err := hub.GetInMemoryStorage[string](g)
	if err != nil {
		return 0, err
	}
	names.Set(h.conn.ID(), user)
	h.room, h.user = g, user

	msg := Message{Room: room, User: user}
	if err := g.WriteExcept(onJoin, msg, true, h.conn.ID()); err != nil {
		return 0, err
	}
	c.Logger().Info("joined room", "room", room, "user", user)
	return g.MemberCount(), nil
}

// Leave exits the current room.
func (h *ChatHub) Leave(c *hub.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked()
}

// Send broadcasts text to everyone in the room, the sender included.
func (h *ChatHub) Send(c *hub.Context, text string) error {
	h.mu.Lock()
	room, user := h.room, h.user
	h.mu.Unlock()
	if room == nil {
		return errNotInRoom
	}
	return room.WriteAll(onMessage, Message{Room: room.Name(), User: user, Text: text}, true)
}

// Members returns the user names in the current room.
func (h *ChatHub) Members(c *hub.Context) ([]string, error) {
	h.mu.Lock()
	room := h.room
	h.mu.Unlock()
	if room == nil {
		return nil, errNotInRoom
	}
	names, err := hub.GetInMemoryStorage[string](room)
	if err != nil {
		return nil, err
	}
	users := names.AllValues()
	sort.Strings(users)
	return users, nil
}

// OnDisconnected tells the room a user left before the connection's groups
// are released.
func (h *ChatHub) OnDisconnected(conn *hub.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.room == nil {
		return
	}
	if err := h.leaveLocked(); err != nil {
		slog.Warn("leave on disconnect failed", "connection_id", conn.ID().String(), "error", err)
	}
}

func (h *ChatHub) leaveLocked() error {
	if h.room == nil {
		return errNotInRoom
	}
	room := h.room
	h.conn.Groups().Remove(room.Name())
	h.room = nil
	return room.WriteAll(onLeave, Message{Room: room.Name(), User: h.user}, true)
}

// EchoService shows the plain RPC call shapes next to the hub.
type EchoService struct{}

func (EchoService) Echo(c *streamrpc.ServiceContext, text string) (string, error) {
	return text, nil
}

// Sum adds the numbers a client streams.
func (EchoService) Sum(c *streamrpc.ServiceContext, s *streamrpc.ClientStream[int]) (int, error) {
	var total int
	err := s.ForEach(func(n int) error {
		total += n
		return nil
	})
	return total, err
}

// Count streams 1..n back to the client.
func (EchoService) Count(c *streamrpc.ServiceContext, n int, s *streamrpc.ServerStream[int]) error {
	if n < 0 {
		return streamrpc.ReturnStatus(codes.InvalidArgument, "n must not be negative")
	}
	for i := 1; i <= n; i++ {
		if err := s.Send(i); err != nil {
			return err
		}
	}
	return nil
}
