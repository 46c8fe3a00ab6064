package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"
)

// Response values come from structpb, so numbers arrive as float64.

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) int64 {
	f, _ := m[key].(float64)
	return int64(f)
}

func flagged(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func list(m map[string]any, key string) []map[string]any {
	raw, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if mv, ok := v.(map[string]any); ok {
			out = append(out, mv)
		}
	}
	return out
}

func stringsOf(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).Local()
}

// clip shortens s to n runes on a single line.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

func printStatus(w io.Writer, st map[string]any) {
	fmt.Fprintf(w, "Session:       %s\n", str(st, "session"))
	fmt.Fprintf(w, "State:         %s (since %s)\n", str(st, "state"), unixMilli(num(st, "since_unix_ms")).Format(time.RFC3339))
	fmt.Fprintf(w, "Uptime:        %s\n", (time.Duration(num(st, "uptime_ms")) * time.Millisecond).Round(time.Second))
	if self := str(st, "self"); self != "" {
		fmt.Fprintf(w, "User:          %s\n", self)
	}
	fmt.Fprintf(w, "Conversations: %d\n", num(st, "conversations"))
	fmt.Fprintf(w, "Unread:        %d\n", num(st, "unread_total"))
	fmt.Fprintf(w, "Online:        %d\n", len(stringsOf(st, "online")))
	if cur := str(st, "current"); cur != "" {
		fmt.Fprintf(w, "Open:          %s\n", cur)
	}
	if l, ok := st["lock"].(map[string]any); ok {
		fmt.Fprintf(w, "Daemon:        PID %d, %s\n", num(l, "pid"), str(l, "path"))
	}
	if flagged(st, "stale") {
		fmt.Fprintln(w, "Warning:       showing cached conversations, server refresh pending")
	}
}

func printConversations(w io.Writer, resp map[string]any) {
	convs := list(resp, "conversations")
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if flagged(c, "online") {
			marker = "●"
		}
		unread := ""
		if n := num(c, "unread_count"); n > 0 {
			unread = fmt.Sprintf("(%d)", n)
		}
		preview := ""
		if lm, ok := c["last_message"].(map[string]any); ok {
			preview = str(lm, "content")
			if flagged(lm, "is_from_me") {
				preview = "you: " + preview
			}
		}
		if t := str(c, "typing"); t != "" {
			preview = t + " is typing..."
		} else if seen := num(c, "last_seen_unix_ms"); seen > 0 && preview == "" {
			preview = "last seen " + unixMilli(seen).Format("Jan 2 15:04")
		}
		fmt.Fprintf(w, "%s %-14s %-20s %-5s %s\n", marker, str(c, "match_id"), clip(str(c, "peer_name"), 20), unread, clip(preview, 50))
	}
	if flagged(resp, "stale") {
		fmt.Fprintln(w, "(cached list, server refresh pending)")
	}
}

func printTimeline(w io.Writer, tl map[string]any) {
	msgs := list(tl, "messages")
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No messages loaded for %s (state: %s).\n", str(tl, "match_id"), str(tl, "state"))
	}
	for _, m := range msgs {
		who := str(m, "sender_id")
		if flagged(m, "is_from_me") {
			who = "you"
		}
		suffix := ""
		if flagged(m, "edited") {
			suffix = " (edited)"
		}
		fmt.Fprintf(w, "[%s] %s: %s%s\n", unixMilli(num(m, "created_unix_ms")).Format("2006-01-02 15:04"), who, str(m, "content"), suffix)
	}
	if t := str(tl, "typing"); t != "" {
		fmt.Fprintf(w, "%s is typing...\n", t)
	}
	if e := str(tl, "error"); e != "" {
		fmt.Fprintf(w, "Last load failed: %s\n", e)
	}
	if flagged(tl, "has_more") {
		fmt.Fprintf(w, "-- page %d, older messages available (chatsyncctl more %s) --\n", num(tl, "page"), str(tl, "match_id"))
	}
}

func formatEvent(evt map[string]any) string {
	at := unixMilli(num(evt, "occurred_at_unix_ms")).Format("15:04:05.000")
	payload, _ := evt["payload"].(map[string]any)
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(payload)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return fmt.Sprintf("%s %-28s %s", at, str(evt, "kind"), strings.Join(parts, " "))
}
