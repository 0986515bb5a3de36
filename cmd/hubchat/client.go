// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/hub"
)

func chatCmd() *cobra.Command {
	var addr, room, user string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and send the lines read from stdin",
		Long: `Join a room and send the lines read from stdin.

Commands:
  /members   list the users in the room
  /quit      leave the room and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rc, err := streamrpc.Dial(addr)
			if err != nil {
				return err
			}
			defer rc.Close()
			return runChat(ctx, rc, room, user, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:5000", "server address")
	cmd.Flags().StringVar(&room, "room", "lobby", "room to join")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "user name")

	return cmd
}

func runChat(ctx context.Context, rc streamrpc.Client, room, user string, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	printf := func(format string, a ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	codec := rc.Codec()
	c, err := hub.Connect(ctx, rc, "Chat", hub.WithReceiver(func(methodID int32, payload []byte) {
		var msg Message
		if err := codec.Decode(payload, &msg); err != nil {
			slog.Warn("undecodable broadcast", "method_id", methodID, "error", err)
			return
		}
		switch methodID {
		case onJoin:
			printf("* %s joined %s\n", msg.User, msg.Room)
		case onLeave:
			printf("* %s left %s\n", msg.User, msg.Room)
		case onMessage:
			printf("<%s> %s\n", msg.User, msg.Text)
		}
	}))
	if err != nil {
		return err
	}
	defer c.Close()

	var members int
	if err := c.Invoke(ctx, "Join", &members, room, user); err != nil {
		return err
	}
	printf("* joined %s (%d members)\n", room, members)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch text := strings.TrimSpace(scanner.Text()); text {
		case "":
		case "/members":
			var users []string
			if err := c.Invoke(ctx, "Members", &users); err != nil {
				return err
			}
			printf("* %s\n", strings.Join(users, ", "))
		case "/quit":
			return c.Invoke(ctx, "Leave", nil)
		default:
			if err := c.Invoke(ctx, "Send", nil, text); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return c.Invoke(ctx, "Leave", nil)
}
