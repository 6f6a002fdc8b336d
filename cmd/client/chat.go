package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/omochice/wired-socket/internal/client"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/spf13/cobra"
)

const publicChat uint32 = 1

func newChatCommand(a *app) *cobra.Command {
	var chatID uint32
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a chat and exchange messages from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.chat(ctx, chatID)
		},
	}
	cmd.Flags().Uint32Var(&chatID, "chat", publicChat, "Chat id to join")
	return cmd
}

// roster maps user ids to nicknames from the chat user lists.
type roster struct {
	mu    sync.Mutex
	nicks map[uint32]string
}

func (r *roster) update(list *protocol.Message) {
	users, _ := list.List(protocol.FieldChatUsers)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		id, _ := u.Uint32(protocol.FieldUserID)
		nick, _ := u.String(protocol.FieldUserNick)
		r.nicks[id] = nick
	}
}

func (r *roster) nick(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nick, ok := r.nicks[id]; ok {
		return nick
	}
	return fmt.Sprintf("user %d", id)
}

func (a *app) chat(ctx context.Context, chatID uint32) error {
	events := client.NewChannelSubscriber(64)
	s, err := a.connect(ctx, events)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	info := s.ServerInfo()
	a.log.WithField("server", info.Name).Infof("Connected as %s", s.Nick())
	if err := s.JoinChannel(chatID); err != nil {
		return err
	}

	people := &roster{nicks: make(map[uint32]string)}
	ended := make(chan error, 1)
	go func() {
		for e := range events.Events() {
			switch e.Kind {
			case client.EventDisconnected:
				ended <- e.Err
				return
			case client.EventMessage:
				a.show(people, e.Message)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			a.log.WithError(err).Warn("Error reading input")
		}
	}()

	fmt.Println("Type your messages (or 'quit' to exit):")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-ended:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
			case text == "quit" || text == "exit":
				return nil
			case strings.HasPrefix(text, "/nick "):
				if err := s.SetNick(strings.TrimSpace(strings.TrimPrefix(text, "/nick "))); err != nil {
					a.log.WithError(err).Warn("Failed to change nick")
				}
			default:
				if err := s.SendSay(chatID, text); err != nil {
					a.log.WithError(err).Warn("Failed to send message")
				}
			}
		}
	}
}

func (a *app) show(people *roster, msg *protocol.Message) {
	switch msg.Name {
	case protocol.MsgChatUserList:
		people.update(msg)
	case protocol.MsgChatUserListDone:
		people.mu.Lock()
		n := len(people.nicks)
		people.mu.Unlock()
		fmt.Printf("*** %d user(s) in chat ***\n", n)
	case protocol.MsgSay:
		id, _ := msg.Uint32(protocol.FieldUserID)
		text, _ := msg.String(protocol.FieldChatSay)
		fmt.Printf("[%s]: %s\n", people.nick(id), text)
	case protocol.MsgError:
		text, _ := msg.String(protocol.FieldErrorString)
		fmt.Printf("*** server error: %s ***\n", text)
	case protocol.MsgOkay:
	default:
		a.log.WithField("message", msg.Describe()).Debug("Unhandled message")
	}
}
