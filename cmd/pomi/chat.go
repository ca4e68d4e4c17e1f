package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pomi "github.com/everest-caesar/POMI-FRONTEND-sub000"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool
	historyJSON       bool
	listingJSON       bool
	sendListingID     string
	sendWait          time.Duration
	chatListingID     string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Println(formatConversation(c))
		}
		return nil
	},
}

func formatConversation(c pomi.ConversationSummary) string {
	name := valueOrDefault(c.PeerDisplayName, c.PeerID)
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	listing := ""
	if c.AssociatedListingID != "" {
		listing = " [listing " + c.AssociatedListingID + "]"
	}
	return fmt.Sprintf("  %s: %s%s%s\n      %s  %s", c.PeerID, name, unread, listing,
		formatTime(c.LastMessageAt), c.LastMessagePreview)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show messages exchanged with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Messages.History(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, cfg.Auth.UserID))
		}
		return nil
	},
}

func formatMessage(m pomi.Message, self string) string {
	who := m.SenderID
	if who == self && self != "" {
		who = "you"
	}
	state := ""
	if m.DeliveryState == pomi.DeliveryPending {
		state = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", formatTime(m.CreatedAt), who, m.Body, state)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <message>",
	Short: "Send a message, over the socket when possible",
	Long:  "Send a message to a peer. The realtime socket is tried first and REST is used when it is unavailable.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, body := args[0], args[1]
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, ws := newMessenger(client, cfg)
		acks := make(chan pomi.MessageDelivered, 8)
		sub := pomi.On(ws.Events(), func(e pomi.MessageDelivered) {
			select {
			case acks <- e:
			default:
			}
		})
		defer ws.Events().Off(sub)

		if err := m.Start(ctx); err != nil {
			logger.Warn("conversation list unavailable", "error", err)
		}
		defer m.Close()

		if err := m.OpenConversation(ctx, peerID); err != nil {
			logger.Warn("history unavailable", "peer_id", peerID, "error", err)
		}

		sent, err := m.SendMessage(ctx, body, sendListingID)
		if err != nil {
			return err
		}
		if sent.DeliveryState == pomi.DeliveryConfirmed {
			fmt.Printf("Message %s delivered via REST.\n", sent.ID)
			return nil
		}

		timeout := time.After(sendWait)
		for {
			select {
			case ack := <-acks:
				if ack.CorrelationID == sent.CorrelationID {
					fmt.Printf("Message %s delivered.\n", ack.ID)
					return nil
				}
			case <-timeout:
				fmt.Printf("Message sent (correlation %s); no confirmation within %s.\n", sent.CorrelationID, sendWait)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

// ============================================================================
// listing
// ============================================================================

var listingCmd = &cobra.Command{
	Use:   "listing <listing-id>",
	Short: "Show a marketplace listing summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		l, err := client.Listings.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if listingJSON {
			return printJSON(l)
		}
		printListing(l)
		return nil
	},
}

func printListing(l *pomi.ListingSummary) {
	fmt.Printf("Title:    %s\n", l.Title)
	fmt.Printf("Price:    %.2f %s\n", l.Price, l.Currency)
	fmt.Printf("Status:   %s\n", l.Status)
	if l.Location != "" {
		fmt.Printf("Location: %s\n", l.Location)
	}
	if thumb := l.Thumbnail(); thumb != "" {
		fmt.Printf("Image:    %s\n", thumb)
	}
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open an interactive conversation",
	Long: "Open a conversation and chat in real time. Lines typed on stdin are sent;\n" +
		"'/quit' exits and '/who' lists online peers.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m, ws := newMessenger(client, cfg)
		bus := ws.Events()

		// Registered after the Messenger's own handlers, so state is
		// already reconciled when these print.
		var subs []pomi.Subscription
		defer func() {
			for _, s := range subs {
				bus.Off(s)
			}
		}()

		if err := m.Start(ctx); err != nil {
			logger.Warn("conversation list unavailable", "error", err)
		}
		defer m.Close()

		subs = append(subs,
			pomi.On(bus, func(e pomi.MessageReceived) {
				if e.Message.SenderID == peerID {
					fmt.Println(formatMessage(e.Message, cfg.Auth.UserID))
				} else if e.Message.SenderID != cfg.Auth.UserID {
					fmt.Printf("* new message from %s\n", e.Message.SenderID)
				}
			}),
			pomi.On(bus, func(e pomi.TypingStarted) {
				if e.UserID == peerID {
					fmt.Printf("* %s is typing...\n", peerID)
				}
			}),
			pomi.On(bus, func(e pomi.PeerOnline) {
				if e.UserID == peerID {
					fmt.Printf("* %s is online\n", peerID)
				}
			}),
			pomi.On(bus, func(e pomi.PeerOffline) {
				if e.UserID == peerID {
					fmt.Printf("* %s went offline\n", peerID)
				}
			}),
			pomi.On(bus, func(e pomi.Reconnecting) {
				fmt.Printf("* reconnecting (attempt %d)...\n", e.Attempt)
			}),
		)

		if err := m.OpenConversation(ctx, peerID); err != nil {
			fmt.Printf("! %v\n", err)
		}
		snap := m.Snapshot()
		for _, msg := range snap.Thread {
			fmt.Println(formatMessage(msg, cfg.Auth.UserID))
		}
		if snap.Listing.ListingID != "" {
			fmt.Printf("* about listing %s\n", snap.Listing.ListingID)
		}
		mode := "realtime"
		if !snap.Connected {
			mode = "REST only"
		}
		fmt.Printf("-- chatting with %s (%s). /quit to exit --\n", peerID, mode)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "/quit":
					return nil
				case "/who":
					fmt.Printf("* online: %s\n", strings.Join(m.Snapshot().OnlinePeers, ", "))
					continue
				}
				if _, err := m.SendMessage(ctx, line, chatListingID); err != nil {
					fmt.Printf("! failed to send message: %v\n", err)
					m.DismissError(pomi.ScopeThread)
				}
			}
		}
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	listingCmd.Flags().BoolVar(&listingJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringVar(&sendListingID, "listing", "", "Marketplace listing the message is about")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for a delivery confirmation")
	chatCmd.Flags().StringVar(&chatListingID, "listing", "", "Marketplace listing the conversation is about")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listingCmd)
	rootCmd.AddCommand(chatCmd)
}
