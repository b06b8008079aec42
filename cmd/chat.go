package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/gigi-dev/gigi/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		serverURL string
		resumeID  string
	)
	cmd := &cobra.Command{
		Use:   "chat [topic]",
		Short: "Chat with the agent from the terminal over the gateway WebSocket",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			if serverURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					fmt.Fprintf(os.Stderr, "config: %v\n", err)
					os.Exit(1)
				}
				serverURL = fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
			}
			topic := ""
			if len(args) == 1 {
				topic = args[0]
			}
			if err := runChat(cmd.Context(), serverURL, topic, resumeID); err != nil {
				fmt.Fprintf(os.Stderr, "chat: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "gateway WebSocket URL (default from config)")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing conversation by id")
	return cmd
}

func runChat(ctx context.Context, serverURL, topic, resumeID string) error {
	conn, _, err := websocket.Dial(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	open := protocol.ClientMessage{Type: protocol.TypeChatNew, Channel: "web", Topic: topic}
	if resumeID != "" {
		open = protocol.ClientMessage{Type: protocol.TypeChatResume, ConversationID: resumeID}
	}
	if err := wsjson.Write(ctx, conn, open); err != nil {
		return err
	}

	conversationID := resumeID
	frames := make(chan protocol.ServerMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg protocol.ServerMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				readErr <- err
				return
			}
			frames <- msg
		}
	}()

	// Wait for the server to acknowledge the conversation before prompting.
	for conversationID == "" {
		select {
		case msg := <-frames:
			if msg.Type == protocol.TypeConversationUpdate && msg.ConversationID != "" {
				conversationID = msg.ConversationID
			}
		case err := <-readErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fmt.Printf("conversation %s — type a message, Ctrl-D to quit\n", conversationID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("> ")
				continue
			}
			err := wsjson.Write(ctx, conn, protocol.ClientMessage{
				Type:           protocol.TypeChatSend,
				ConversationID: conversationID,
				Message:        line,
			})
			if err != nil {
				return err
			}
		case msg := <-frames:
			renderServerMessage(msg)
		case err := <-readErr:
			return fmt.Errorf("connection closed: %w", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func renderServerMessage(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeTextChunk:
		var p protocol.TextChunkPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Print(p.Text)
		}
	case protocol.TypeToolUse:
		var p protocol.ToolUsePayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Printf("\n[tool: %s]\n", p.Name)
		}
	case protocol.TypeToolResult:
		var p protocol.ToolResultPayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.IsError {
			fmt.Printf("[tool %s failed: %s]\n", p.Name, firstLine(p.Output))
		}
	case protocol.TypeAskUser:
		var p protocol.AskUserPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Printf("\n❓ %s\n", p.Question)
			for i, opt := range p.Options {
				fmt.Printf("  %d) %s\n", i+1, opt)
			}
			fmt.Print("> ")
		}
	case protocol.TypeAgentDone:
		var p protocol.AgentDonePayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Printf("\n— $%.4f, %d in / %d out —\n> ", p.CostUSD, p.InputTokens, p.OutputTokens)
		}
	case protocol.TypeAgentError:
		var p protocol.AgentErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Printf("\n⚠ %s\n> ", p.Reason)
		}
	case protocol.TypeAgentStopped:
		fmt.Print("\n⏹ stopped\n> ")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
