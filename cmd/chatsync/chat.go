package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	chatsync "github.com/VibezCitizens/VCSM-sub000"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	historyPages int
	historyJSON  bool

	sendJSON bool

	tailPartner string
)

func init() {
	rootCmd.AddCommand(historyCmd, tailCmd, sendCmd, editCmd, unsendCmd, hideCmd, clearHistoryCmd)

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output the snapshot as JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")
	tailCmd.Flags().StringVar(&tailPartner, "partner", "", "Only show typing from this actor")
}

// withConversation opens a session on conv and runs fn against it.
func withConversation(conv string, live bool, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := commandContext()
	defer cancel()

	s, err := openSession(ctx, live)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.engine.Open(ctx, chatsync.ConversationID(conv)); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	return fn(ctx, s)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the newest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversation(args[0], false, func(ctx context.Context, s *session) error {
			for i := 1; i < historyPages && s.engine.HasMore(); i++ {
				if err := s.engine.LoadOlder(ctx); err != nil {
					return fmt.Errorf("load older: %w", err)
				}
			}
			snap := s.engine.Snapshot()
			if historyJSON {
				return printJSON(snap)
			}
			printTimeline(snap)
			return nil
		})
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Print the newest page, then every change as it arrives. Lines typed on stdin are sent as messages.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := chatsync.ConversationID(args[0])
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		var opts []chatsync.TypingOption
		if tailPartner != "" {
			opts = append(opts, chatsync.WithTypingPartner(chatsync.ActorID(tailPartner)))
		}
		opts = append(opts, chatsync.WithTypingLogger(s.log))
		var transport chatsync.TypingTransport
		if s.realtime != nil {
			transport = s.realtime
		}
		relay := chatsync.NewTypingRelay(conv, s.identity, transport, opts...)
		defer relay.Stop()
		if s.realtime != nil {
			s.realtime.OnTyping(relay.Receive)
		}
		relay.OnChange(func(typing bool) {
			if typing {
				fmt.Println("... typing")
			}
		})

		// Listeners run on the pushing goroutine as well as this one.
		var mu sync.Mutex
		seen := make(map[chatsync.MessageID]string)
		s.engine.OnChange(func(snap chatsync.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range snap.Messages {
				if prev, ok := seen[m.ID]; ok && prev == m.Text() {
					continue
				}
				seen[m.ID] = m.Text()
				printMessage(m, snap.Actor)
			}
		})

		if err := s.engine.Open(ctx, conv); err != nil {
			return fmt.Errorf("open conversation: %w", err)
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
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if err := sendLine(ctx, relay, s.engine, line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
	},
}

type messageSender interface {
	Send(ctx context.Context, body string) (chatsync.Message, error)
}

// sendLine signals typing for every stdin line and sends the non-blank ones.
func sendLine(ctx context.Context, relay *chatsync.TypingRelay, sender messageSender, line string) error {
	relay.Notify(ctx)
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	_, err := sender.Send(ctx, line)
	return err
}

// ============================================================================
// send / edit / unsend / hide
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversation(args[0], false, func(ctx context.Context, s *session) error {
			m, err := s.engine.Send(ctx, args[1])
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			if sendJSON {
				return printJSON(m)
			}
			fmt.Printf("Sent %s\n", m.ID)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <new-body>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversation(args[0], false, func(ctx context.Context, s *session) error {
			m, err := s.engine.Edit(ctx, chatsync.MessageID(args[1]), args[2])
			if err != nil {
				return fmt.Errorf("edit: %w", err)
			}
			fmt.Printf("Edited %s\n", m.ID)
			return nil
		})
	},
}

var unsendCmd = &cobra.Command{
	Use:   "unsend <conversation-id> <message-id>",
	Short: "Unsend one of your messages for everyone",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversation(args[0], false, func(ctx context.Context, s *session) error {
			if err := s.engine.Unsend(ctx, chatsync.MessageID(args[1])); err != nil {
				return fmt.Errorf("unsend: %w", err)
			}
			fmt.Printf("Unsent %s\n", args[1])
			return nil
		})
	},
}

var hideCmd = &cobra.Command{
	Use:   "hide <conversation-id> <message-id>",
	Short: "Hide a message for yourself only",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversation(args[0], false, func(ctx context.Context, s *session) error {
			if err := s.engine.Hide(ctx, chatsync.MessageID(args[1])); err != nil {
				return fmt.Errorf("hide: %w", err)
			}
			fmt.Printf("Hidden %s\n", args[1])
			return nil
		})
	},
}

var clearHistoryCmd = &cobra.Command{
	Use:   "clear-history <conversation-id>",
	Short: "Clear a conversation's history for yourself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversation(args[0], false, func(ctx context.Context, s *session) error {
			if err := s.engine.ClearHistory(ctx); err != nil {
				return fmt.Errorf("clear history: %w", err)
			}
			fmt.Println("History cleared.")
			return nil
		})
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
