// Command lumochat is a line-oriented LumoVerse client. It keeps a local
// message cache in Pebble so rooms render while offline.
//
// Usage:
//
//	go run ./cmd/lumochat -identity alice [-url ws://localhost:8080/ws] [-cache ~/.lumochat] [-room lobby]
//
// Lines starting with "/" are commands (/help lists them); anything else is
// sent to the current room.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pixellumo/lumoverse/internal/cache"
	"github.com/pixellumo/lumoverse/internal/channel"
	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/moderation"
	"github.com/pixellumo/lumoverse/internal/presence"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	identity := flag.String("identity", "", "identity to log in as (required)")
	token := flag.String("token", "", "moderator token")
	cacheDir := flag.String("cache", "", "Pebble directory for the offline cache (empty = memory only)")
	room := flag.String("room", "lobby", "room to join on start")
	attempts := flag.Int("attempts", channel.DefaultMaxAttempts, "connect attempts before giving up")
	flag.Parse()

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "lumochat: -identity is required")
		flag.Usage()
		os.Exit(2)
	}

	var persist cache.Persister
	if *cacheDir != "" {
		store, err := cache.OpenPebble(*cacheDir)
		if err != nil {
			log.Fatalf("open cache: %v", err)
		}
		defer store.Close()
		persist = store
	}
	msgCache, err := cache.New(0, persist)
	if err != nil {
		log.Fatalf("load cache: %v", err)
	}

	c, err := channel.New(channel.Config{
		Identity:    *identity,
		Token:       *token,
		Dialer:      channel.WSDialer{URL: *url},
		Cache:       msgCache,
		Limiter:     ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.RuleMessage),
		Scorer:      moderation.NewScorer(0, nil),
		MaxAttempts: *attempts,
	})
	if err != nil {
		log.Fatalf("create channel: %v", err)
	}

	ui := &session{ch: c, room: *room, out: os.Stdout}
	ui.subscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, m := range msgCache.GetAll(*room) {
		ui.printMessage(m)
	}
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := c.JoinRoom(*room); err != nil {
		log.Printf("join %s: %v", *room, err)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.Close()
				return
			}
			if err := ui.run(line); err != nil {
				fmt.Fprintf(ui.out, "! %v\n", err)
			}
		}
	}
}

// session is the terminal front end of one channel.
type session struct {
	ch   *channel.Channel
	room string
	out  io.Writer
}

func (s *session) subscribe() {
	s.ch.Messages.Subscribe(s.printMessage)
	s.ch.Presence.Subscribe(func(e presence.Event) {
		fmt.Fprintf(s.out, "* %s %s %s\n", e.Identity, e.Action, e.Room)
	})
	s.ch.Typing.Subscribe(func(t channel.Typing) {
		fmt.Fprintf(s.out, "* %s is typing in %s\n", t.Identity, t.Room)
	})
	s.ch.States.Subscribe(func(sc channel.StateChange) {
		if sc.Err != nil {
			fmt.Fprintf(s.out, "* %s (attempt %d): %v\n", sc.State, sc.Attempt, sc.Err)
			return
		}
		fmt.Fprintf(s.out, "* %s\n", sc.State)
	})
	s.ch.Moderation.Subscribe(func(d moderation.Decision) {
		fmt.Fprintf(s.out, "* message %d in %s hidden: %s\n", d.MessageID, d.Room, d.Reason)
	})
	s.ch.Acks.Subscribe(func(a channel.Ack) {
		if !a.Accepted {
			fmt.Fprintf(s.out, "! not sent: %s\n", strings.Join(a.Reasons, ", "))
		}
	})
	s.ch.Errors.Subscribe(func(err error) {
		fmt.Fprintf(s.out, "! %v\n", err)
	})
}

func (s *session) printMessage(m chat.Message) {
	ts := time.UnixMilli(m.CreatedAt).Format("15:04")
	switch {
	case m.Deleted:
		fmt.Fprintf(s.out, "[%s] #%d %s: (deleted)\n", m.Room, m.ID, m.Author)
	case m.EditedAt != 0:
		fmt.Fprintf(s.out, "[%s] #%d %s %s: %s (edited)%s\n", m.Room, m.ID, ts, m.Author, m.Text, reactions(m))
	default:
		fmt.Fprintf(s.out, "[%s] #%d %s %s: %s%s\n", m.Room, m.ID, ts, m.Author, m.Text, reactions(m))
	}
}

func reactions(m chat.Message) string {
	if len(m.Reactions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.Reactions))
	for emoji, who := range m.Reactions {
		parts = append(parts, fmt.Sprintf("%s%d", emoji, len(who)))
	}
	return " [" + strings.Join(parts, " ") + "]"
}

const help = `commands:
  /join <room>             join and switch to room
  /leave [room]            leave room (default current)
  /room <room>             switch current room
  /who                     list online identities
  /typing                  send a typing indicator
  /react <id> <emoji>      toggle a reaction
  /edit <id> <text>        edit your message
  /delete <id>             delete a message
  /report <id> [reason]    report a message
  /pending                 list unacknowledged sends
  /quit                    exit`

func (s *session) run(line string) error {
	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}
	room := s.room
	if cmd.room != "" {
		room = cmd.room
	}

	switch cmd.name {
	case "":
		if cmd.text == "" {
			return nil
		}
		_, err := s.ch.SendMessage(s.room, cmd.text)
		return err
	case "help":
		fmt.Fprintln(s.out, help)
	case "join":
		if err := s.ch.JoinRoom(room); err != nil {
			return err
		}
		s.room = room
	case "leave":
		return s.ch.LeaveRoom(room)
	case "room":
		s.room = room
	case "who":
		fmt.Fprintf(s.out, "* online in %s: %s\n", s.room, strings.Join(s.ch.Online(s.room), ", "))
	case "typing":
		return s.ch.SendTyping(s.room)
	case "react":
		return s.ch.ReactToMessage(s.room, cmd.id, cmd.text)
	case "edit":
		return s.ch.EditMessage(s.room, cmd.id, cmd.text)
	case "delete":
		return s.ch.DeleteMessage(s.room, cmd.id)
	case "report":
		return s.ch.ReportMessage(s.room, cmd.id, cmd.text)
	case "pending":
		for _, p := range s.ch.Pending(s.room) {
			fmt.Fprintf(s.out, "* pending %s: %s\n", p.Nonce, p.Text)
		}
	case "quit":
		return s.ch.Close()
	}
	return nil
}
