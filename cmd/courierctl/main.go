package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tsoares/courier/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(profile.SocketPath(profileName))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "conversations":
		query := ""
		if len(args) >= 2 {
			query = args[1]
		}
		cmdConversations(c, query, *jsonFlag)
	case "open":
		requireArgs(args, 2, "usage: courierctl open <conversation>")
		cmdOpen(c, args[1])
	case "messages":
		requireArgs(args, 2, "usage: courierctl messages <conversation>")
		cmdMessages(c, args[1], *jsonFlag)
	case "send":
		requireArgs(args, 3, "usage: courierctl send <conversation> <text...>")
		cmdSend(c, args[1], strings.Join(args[2:], " "))
	case "retry":
		requireArgs(args, 3, "usage: courierctl retry <conversation> <local-id>")
		cmdRetry(c, args[1], args[2])
	case "read":
		requireArgs(args, 2, "usage: courierctl read <conversation>")
		cmdRead(c, args[1])
	case "search":
		requireArgs(args, 2, "usage: courierctl search <query> [conversation]")
		conv := ""
		if len(args) >= 3 {
			conv = args[2]
		}
		cmdSearch(c, args[1], conv, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations [query]         List conversations, optionally filtered")
	fmt.Fprintln(os.Stderr, "  open <conv>                   Make a conversation active")
	fmt.Fprintln(os.Stderr, "  messages <conv>               Show a conversation thread")
	fmt.Fprintln(os.Stderr, "  send <conv> <text...>         Send a message")
	fmt.Fprintln(os.Stderr, "  retry <conv> <local-id>       Retry a failed send")
	fmt.Fprintln(os.Stderr, "  read <conv>                   Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  search <query> [conv]         Full-text search cached messages")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

// client speaks the daemon's HTTP API over its Unix socket.
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
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get("http://unix" + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is courierd running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decode(resp, out)
}

func (c *client) post(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post("http://unix"+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is courierd running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
			return fmt.Errorf("%s", payload.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(c *client, jsonOut bool) {
	var status struct {
		Profile            string `json:"profile"`
		UptimeSeconds      int64  `json:"uptime_seconds"`
		ActiveConversation string `json:"active_conversation"`
		Conversations      int    `json:"conversations"`
		ListStale          bool   `json:"list_stale"`
		StaleReason        string `json:"stale_reason"`
		LastSyncAt         int64  `json:"last_sync_at"`
		Pulls              int64  `json:"pulls"`
		Sends              int64  `json:"sends"`
		SendFailures       int64  `json:"send_failures"`
	}
	if err := c.get("/v1/status", &status); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(status)
		return
	}
	fmt.Printf("Profile:        %s\n", status.Profile)
	fmt.Printf("Uptime:         %ds\n", status.UptimeSeconds)
	fmt.Printf("Conversations:  %d\n", status.Conversations)
	fmt.Printf("Pulls:          %d\n", status.Pulls)
	fmt.Printf("Sends:          %d (%d failed)\n", status.Sends, status.SendFailures)
	if status.LastSyncAt > 0 {
		fmt.Printf("Last sync:      %s\n", time.UnixMilli(status.LastSyncAt).Format("2006-01-02 15:04:05"))
	}
	if status.ListStale {
		fmt.Printf("Warning:        list is stale (%s)\n", status.StaleReason)
	}
}

type conversationRow struct {
	ID                 string `json:"id"`
	ParticipantName    string `json:"participant_name"`
	LastMessagePreview string `json:"last_message_preview"`
	LastActivityAt     int64  `json:"last_activity_at"`
	Unread             int    `json:"unread"`
}

func cmdConversations(c *client, query string, jsonOut bool) {
	path := "/v1/conversations"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var convs []conversationRow
	if err := c.get(path, &convs); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	for _, conv := range convs {
		marker := " "
		if conv.Unread > 0 {
			marker = fmt.Sprintf("(%d)", conv.Unread)
		}
		fmt.Printf("%-24s %-20s %3s  %s\n", conv.ID, conv.ParticipantName, marker, conv.LastMessagePreview)
	}
}

func cmdOpen(c *client, conversationID string) {
	if err := c.post("/v1/conversations/"+url.PathEscape(conversationID)+"/open", nil, nil); err != nil {
		fail(err)
	}
	fmt.Printf("opened %s\n", conversationID)
}

type messageRow struct {
	LocalID    string `json:"local_id"`
	ServerID   string `json:"server_id"`
	SenderID   string `json:"sender_id"`
	SenderType string `json:"sender_type"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"created_at"`
	Delivery   string `json:"delivery"`
	FailReason string `json:"fail_reason"`
}

func cmdMessages(c *client, conversationID string, jsonOut bool) {
	var msgs []messageRow
	if err := c.get("/v1/conversations/"+url.PathEscape(conversationID)+"/messages", &msgs); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.CreatedAt).Format("15:04")
		sender := m.SenderID
		if m.SenderType == "self" {
			sender = "me"
		}
		suffix := ""
		switch m.Delivery {
		case "pending":
			suffix = " [sending]"
		case "failed":
			suffix = fmt.Sprintf(" [failed: %s] (retry with local-id %s)", m.FailReason, m.LocalID)
		}
		fmt.Printf("%s %-12s %s%s\n", ts, sender, m.Content, suffix)
	}

	var indicator struct {
		Text string `json:"text"`
	}
	if err := c.get("/v1/conversations/"+url.PathEscape(conversationID)+"/typing", &indicator); err == nil && indicator.Text != "" {
		fmt.Println(indicator.Text)
	}
}

func cmdSend(c *client, conversationID, content string) {
	var resp struct {
		LocalID string `json:"local_id"`
	}
	if err := c.post("/v1/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]string{"content": content}, &resp); err != nil {
		fail(err)
	}
	fmt.Printf("queued %s\n", resp.LocalID)
}

func cmdRetry(c *client, conversationID, localID string) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(localID) + "/retry"
	if err := c.post(path, nil, nil); err != nil {
		fail(err)
	}
	fmt.Printf("retrying %s\n", localID)
}

func cmdRead(c *client, conversationID string) {
	if err := c.post("/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil); err != nil {
		fail(err)
	}
	fmt.Printf("marked %s read\n", conversationID)
}

type searchRow struct {
	ConversationID string `json:"conversation_id"`
	MsgID          string `json:"msg_id"`
	SenderID       string `json:"sender_id"`
	CreatedAt      int64  `json:"created_at"`
	Snippet        string `json:"snippet"`
}

func cmdSearch(c *client, query, conversationID string, jsonOut bool) {
	path := "/v1/search?q=" + url.QueryEscape(query)
	if conversationID != "" {
		path += "&conversation=" + url.QueryEscape(conversationID)
	}
	var results []searchRow
	if err := c.get(path, &results); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(results)
		return
	}
	for _, r := range results {
		ts := time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04")
		fmt.Printf("%s  %-24s %s\n", ts, r.ConversationID, r.Snippet)
	}
}
