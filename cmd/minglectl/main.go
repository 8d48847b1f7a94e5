package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tcardozo/mingle/internal/session"
	"github.com/tcardozo/mingle/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(profile))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: minglectl messages <conversation-id>")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: minglectl send <conversation-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "))
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: minglectl read <conversation-id>")
			os.Exit(1)
		}
		cmdRead(ctx, c, args[1])
	case "login":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: minglectl login <user-id> <token>")
			os.Exit(1)
		}
		cmdLogin(ctx, c, args[1], args[2])
	case "logout":
		cmdLogout(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: minglectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations             List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conv-id>        Show a conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <conv-id> <text>     Send a text message")
	fmt.Fprintln(os.Stderr, "  read <conv-id>            Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  login <user-id> <token>   Bind a session")
	fmt.Fprintln(os.Stderr, "  logout                    Unbind and wipe local state")
}

// client speaks HTTP over the daemon's unix socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://mingle"+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is mingled running?): %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var wrapper struct {
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &wrapper) == nil && wrapper.Error != nil {
			return fmt.Errorf("%s: %s", wrapper.Error.Code, wrapper.Error.Message)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		Profile     string `json:"profile"`
		State       string `json:"state"`
		UserID      string `json:"user_id"`
		TotalUnread int    `json:"total_unread"`
	}
	if err := c.do(ctx, "GET", "/v1/status", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile: %s\n", resp.Profile)
	fmt.Printf("State:   %s\n", resp.State)
	fmt.Printf("User:    %s\n", resp.UserID)
	fmt.Printf("Unread:  %d\n", resp.TotalUnread)
}

func cmdConversations(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		Conversations []store.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, "GET", "/v1/conversations", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp.Conversations)
		return
	}
	for _, conv := range resp.Conversations {
		marker := " "
		if conv.UnreadCount > 0 {
			marker = fmt.Sprintf("(%d)", conv.UnreadCount)
		}
		fmt.Printf("%-24s %-4s %s\n", conv.ID, marker, conv.LastMessageText)
	}
}

func cmdMessages(ctx context.Context, c *client, conversationID string, jsonOut bool) {
	var resp struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.do(ctx, "GET", "/v1/conversations/"+conversationID+"/messages", nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp.Messages)
		return
	}
	for _, msg := range resp.Messages {
		ts := time.UnixMilli(msg.CreatedAt).Format("15:04")
		fmt.Printf("[%s] %s: %s\n", ts, msg.SenderID, msg.Content)
	}
}

func cmdSend(ctx context.Context, c *client, conversationID, text string) {
	var resp struct {
		Message store.Message `json:"message"`
	}
	body := map[string]string{"conversationId": conversationID, "content": text}
	if err := c.do(ctx, "POST", "/v1/messages", body, &resp); err != nil {
		fatal(err)
	}
	fmt.Printf("sent %s\n", resp.Message.ID)
}

func cmdRead(ctx context.Context, c *client, conversationID string) {
	if err := c.do(ctx, "POST", "/v1/conversations/"+conversationID+"/read", nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("ok")
}

func cmdLogin(ctx context.Context, c *client, userID, token string) {
	body := map[string]string{"userId": userID, "token": token}
	if err := c.do(ctx, "POST", "/v1/auth/login", body, nil); err != nil {
		fatal(err)
	}
	fmt.Println("session binding requested")
}

func cmdLogout(ctx context.Context, c *client) {
	if err := c.do(ctx, "POST", "/v1/auth/logout", nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("logged out")
}
