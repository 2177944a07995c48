package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/protocol"
)

type chatOptions struct {
	conversationID string
	userID         string
	system         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	quiet          bool
}

type wsEnvelope struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Code           string `json:"code,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Text           string `json:"text,omitempty"`
	TextDelta      string `json:"text_delta,omitempty"`
}

type turnStats struct {
	firstDelta time.Duration
	total      time.Duration
	reason     string
}

func chatCmd(opts *globalOptions) *cobra.Command {
	var co chatOptions
	cmd := &cobra.Command{
		Use:   "chat <message> [message...]",
		Short: "Stream chat turns over the websocket and report latency",
		Long: "Each message is sent as one user turn in the same conversation. With --turns\n" +
			"greater than the number of messages, the messages are replayed in order.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if co.turns <= 0 {
				co.turns = len(args)
			}
			if co.turnTimeout < time.Second {
				co.turnTimeout = time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(co.turns)*co.turnTimeout+10*time.Second)
			defer cancel()
			return runChat(ctx, cmd.OutOrStdout(), opts.baseURL, co, args)
		},
	}
	cmd.Flags().StringVar(&co.conversationID, "conversation", "", "conversation id (generated by the server when empty)")
	cmd.Flags().StringVar(&co.userID, "user", "", "user id")
	cmd.Flags().StringVar(&co.system, "system", "", "system prompt")
	cmd.Flags().IntVar(&co.turns, "turns", 0, "number of turns (default: one per message)")
	cmd.Flags().DurationVar(&co.interTurnDelay, "inter-turn", 0, "delay between turns")
	cmd.Flags().DurationVar(&co.turnTimeout, "turn-timeout", 60*time.Second, "timeout waiting for assistant_turn_end")
	cmd.Flags().BoolVar(&co.quiet, "quiet", false, "print only the latency summary")
	return cmd
}

func runChat(ctx context.Context, out io.Writer, baseURL string, co chatOptions, texts []string) error {
	wsURL, err := wsURLFor(baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	var (
		history []memory.ChatTurnMessage
		stats   []turnStats
		convID  = strings.TrimSpace(co.conversationID)
	)
	for i := 0; i < co.turns; i++ {
		text := texts[i%len(texts)]
		history = append(history, memory.ChatTurnMessage{Role: memory.RoleUser, Content: text})
		if !co.quiet {
			fmt.Fprintf(out, "> %s\n", text)
		}

		started := time.Now()
		if err := conn.WriteJSON(protocol.ChatRequest{
			Type:           protocol.TypeChatRequest,
			ConversationID: convID,
			UserID:         co.userID,
			System:         co.system,
			Messages:       history,
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}

		end, st, err := awaitTurnEnd(ctx, out, events, readErrCh, co.turnTimeout, started, co.quiet)
		if err != nil {
			return fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		stats = append(stats, st)
		if convID == "" {
			convID = end.ConversationID
		}
		history = append(history, memory.ChatTurnMessage{Role: memory.RoleAssistant, Content: end.Text})

		if co.interTurnDelay > 0 && i < co.turns-1 {
			time.Sleep(co.interTurnDelay)
		}
	}

	printSummary(out, convID, stats)
	return nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

func awaitTurnEnd(ctx context.Context, out io.Writer, events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, started time.Time, quiet bool) (wsEnvelope, turnStats, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var st turnStats
	for {
		select {
		case <-ctx.Done():
			return wsEnvelope{}, st, ctx.Err()
		case err := <-readErrCh:
			return wsEnvelope{}, st, err
		case <-timer.C:
			return wsEnvelope{}, st, fmt.Errorf("timeout after %s", timeout)
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeAssistantTextDelta):
				if st.firstDelta == 0 {
					st.firstDelta = time.Since(started)
				}
				if !quiet {
					fmt.Fprint(out, env.TextDelta)
				}
			case string(protocol.TypeAssistantTurnEnd):
				st.total = time.Since(started)
				st.reason = env.Reason
				if !quiet {
					fmt.Fprintf(out, "\n  [%s first_delta=%s total=%s]\n", env.Reason, st.firstDelta.Round(time.Millisecond), st.total.Round(time.Millisecond))
				}
				return env, st, nil
			case string(protocol.TypeErrorEvent):
				fmt.Fprintf(out, "\n  error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func printSummary(out io.Writer, convID string, stats []turnStats) {
	if len(stats) == 0 {
		return
	}
	first := make([]time.Duration, 0, len(stats))
	for _, st := range stats {
		if st.firstDelta > 0 {
			first = append(first, st.firstDelta)
		}
	}
	sort.Slice(first, func(i, j int) bool { return first[i] < first[j] })
	fmt.Fprintf(out, "conversation=%s turns=%d", convID, len(stats))
	if len(first) > 0 {
		fmt.Fprintf(out, " first_delta_p50=%s first_delta_max=%s",
			first[len(first)/2].Round(time.Millisecond), first[len(first)-1].Round(time.Millisecond))
	}
	fmt.Fprintln(out)
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	return u.String(), nil
}
