package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/settings"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// sessions list reads lock files and needs no daemon.
	if args[0] == "sessions" {
		if len(args) >= 2 && args[1] == "list" {
			cmdSessionsList(*jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl sessions list")
			os.Exit(1)
		}
		return
	}

	c := client.New(session.SocketPath(sessionName))
	defer func() { _ = c.Close() }()

	// History loads are bounded by the daemon's own timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		refresh := len(args) >= 2 && args[1] == "--refresh"
		cmdConversations(ctx, c, refresh, *jsonFlag)
	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl history <conversation-id> [--reload]")
			os.Exit(1)
		}
		reload := len(args) >= 3 && args[2] == "--reload"
		cmdHistory(ctx, c, args[1], reload, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl send <conversation-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "notify":
		cmdNotify(ctx, c, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon and push channel status")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]       List conversations")
	fmt.Fprintln(os.Stderr, "  history <id> [--reload]         Show a conversation timeline")
	fmt.Fprintln(os.Stderr, "  send <id> <text>                Send a message")
	fmt.Fprintln(os.Stderr, "  notify show                     Show notification settings")
	fmt.Fprintln(os.Stderr, "  notify set <level> [--disable]  Set reveal level: "+levelList())
	fmt.Fprintln(os.Stderr, "  sessions list                   List known sessions")
}

func levelList() string {
	names := make([]string, 0, len(settings.Levels))
	for _, l := range settings.Levels {
		names = append(names, string(l))
	}
	return strings.Join(names, "|")
}

func fail(err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "error: %s\n", apiErr.Message)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v (is chatsyncd running?)\n", err)
	}
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session:  %s\n", st.Session)
	fmt.Printf("Identity: %s\n", st.Identity)
	fmt.Printf("Channel:  %s\n", st.State)
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMS) * time.Millisecond).Round(time.Second))
}

func cmdConversations(ctx context.Context, c *client.Client, refresh, jsonOut bool) {
	convs, err := c.Conversations(ctx, refresh)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range convs {
		label := conv.Label
		if label == "" {
			label = strings.Join(conv.ParticipantIDs, ",")
		}
		at := "-"
		if t := api.Time(conv.LastActivityMS); !t.IsZero() {
			at = t.Format(time.DateTime)
		}
		fmt.Printf("%-12s %-20s %-19s %s\n", conv.ID, label, at, conv.LastMessagePreview)
	}
}

func cmdHistory(ctx context.Context, c *client.Client, id string, reload, jsonOut bool) {
	msgs, err := c.Messages(ctx, id, reload)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		line := fmt.Sprintf("[%s] %s: %s", api.Time(m.TimestampMS).Format(time.DateTime), m.SenderID, m.Content)
		if m.Status != "confirmed" {
			line += " (" + m.Status + ")"
		}
		fmt.Println(line)
	}
}

func cmdSend(ctx context.Context, c *client.Client, id, text string, jsonOut bool) {
	msg, err := c.Send(ctx, id, text)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Sent %s (%s)\n", msg.ID, msg.Status)
}

func cmdNotify(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chatsyncctl notify <show|set>")
		os.Exit(1)
	}
	var (
		s   api.NotificationSettings
		err error
	)
	switch args[0] {
	case "show":
		s, err = c.NotificationSettings(ctx)
	case "set":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: chatsyncctl notify set <%s> [--disable]\n", levelList())
			os.Exit(1)
		}
		enabled := !(len(args) >= 3 && args[2] == "--disable")
		s, err = c.SetNotificationSettings(ctx, api.NotificationSettings{Enabled: enabled, RevealLevel: args[1]})
	default:
		fmt.Fprintf(os.Stderr, "unknown notify subcommand: %s\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(s)
		return
	}
	fmt.Printf("Enabled: %v\n", s.Enabled)
	fmt.Printf("Reveal:  %s\n", s.RevealLevel)
}

type sessionInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Running  bool   `json:"daemon_running"`
	PID      int    `json:"pid,omitempty"`
	Identity string `json:"identity,omitempty"`
}

func cmdSessionsList(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	infos := make([]sessionInfo, 0, len(names))
	for _, name := range names {
		si := sessionInfo{Name: name, Path: session.Dir(name)}
		if info, ok, err := lock.Inspect(si.Path); err == nil && ok {
			si.Running = info.Running
			si.Identity = info.Identity
			if info.Running {
				si.PID = info.PID
			}
		}
		infos = append(infos, si)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range infos {
		running := "stopped"
		if s.Running {
			running = fmt.Sprintf("running, pid %d", s.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
