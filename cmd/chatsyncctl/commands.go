package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lovelink/chatsync/internal/api"
	"github.com/lovelink/chatsync/internal/config"
	"github.com/lovelink/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	messagesCmd.Flags().Bool("no-load", false, "only show what the daemon already holds")
	typingCmd.Flags().Bool("stop", false, "send typing_stop instead of typing_start")

	loginCmd.Flags().String("server-url", "", "realtime channel URL (ws:// or wss://)")
	loginCmd.Flags().String("api-url", "", "history REST base URL")
	loginCmd.Flags().String("user-id", "", "account user id")
	loginCmd.Flags().String("token", "", "session token (prefer "+session.TokenEnv+" at daemon start)")

	rootCmd.AddCommand(
		statusCmd,
		conversationsCmd,
		messagesCmd,
		moreCmd,
		openCmd,
		sendCmd,
		readCmd,
		typingCmd,
		connectCmd,
		disconnectCmd,
		watchCmd,
		loginCmd,
		useCmd,
	)
}

// render prints resp as JSON with --json, otherwise through pretty.
func render(resp map[string]any, pretty func(io.Writer, map[string]any)) {
	if jsonOut {
		outputJSON(resp)
		return
	}
	pretty(os.Stdout, resp)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state and counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, api.MethodGetStatus, nil)
		if err != nil {
			return err
		}
		render(resp, printStatus)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent activity first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, api.MethodListConversations, nil)
		if err != nil {
			return err
		}
		render(resp, printConversations)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <match-id>",
	Short: "Show a conversation's timeline, loading the first page if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noLoad, _ := cmd.Flags().GetBool("no-load")
		resp, err := call(cmd, api.MethodListMessages, map[string]any{
			"match_id": args[0],
			"load":     !noLoad,
		})
		if err != nil {
			return err
		}
		render(resp, printTimeline)
		return nil
	},
}

var moreCmd = &cobra.Command{
	Use:   "more <match-id>",
	Short: "Load the next page of older messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, api.MethodLoadMore, map[string]any{"match_id": args[0]})
		if err != nil {
			return err
		}
		render(resp, printTimeline)
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open [match-id]",
	Short: "Make a conversation current (joins its room); no argument closes it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		resp, err := call(cmd, api.MethodSetCurrent, map[string]any{"match_id": id})
		if err != nil {
			return err
		}
		render(resp, func(w io.Writer, m map[string]any) {
			if cur := str(m, "current"); cur != "" {
				fmt.Fprintf(w, "Current conversation: %s\n", cur)
				return
			}
			fmt.Fprintln(w, "No conversation open.")
		})
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <match-id> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, api.MethodSend, map[string]any{
			"match_id": args[0],
			"content":  strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		render(resp, func(w io.Writer, m map[string]any) {
			fmt.Fprintf(w, "Sent to %s (client id %s)\n", str(m, "match_id"), str(m, "client_message_id"))
		})
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <match-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, api.MethodMarkRead, map[string]any{"match_id": args[0]})
		if err != nil {
			return err
		}
		render(resp, func(w io.Writer, m map[string]any) {
			fmt.Fprintf(w, "Cleared %d unread in %s, %d unread in total\n", num(m, "cleared"), str(m, "match_id"), num(m, "unread_total"))
		})
		return nil
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <match-id>",
	Short: "Signal that you started (or with --stop, stopped) typing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := api.MethodStartTyping
		if stop, _ := cmd.Flags().GetBool("stop"); stop {
			method = api.MethodStopTyping
		}
		_, err := call(cmd, method, map[string]any{"match_id": args[0]})
		return err
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect the realtime channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateCommand(cmd, api.MethodConnect)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect the realtime channel and drop in-memory state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateCommand(cmd, api.MethodDisconnect)
	},
}

func stateCommand(cmd *cobra.Command, method string) error {
	resp, err := call(cmd, method, nil)
	if err != nil {
		return err
	}
	render(resp, func(w io.Writer, m map[string]any) {
		fmt.Fprintf(w, "State: %s\n", str(m, "state"))
	})
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Follow live events, optionally filtered by kind prefix (e.g. message.)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns := ""
		if len(args) == 1 {
			ns = args[0]
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		w, err := c.Watch(cmd.Context(), ns)
		if err != nil {
			return err
		}
		for {
			evt, err := w.Recv()
			if err != nil {
				if cmd.Context().Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if jsonOut {
				outputJSON(evt)
				continue
			}
			fmt.Println(formatEvent(evt))
		}
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store server endpoints and credentials for the session",
	Long:  "Write the session's session.toml. Unset flags keep their current values. Restart chatsyncd to apply.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := sessionName()
		if err != nil {
			return err
		}
		path := session.SessionConfigPath(name)
		s, err := config.LoadSession(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read %s: %w", path, err)
			}
			s = &config.Session{}
			s.Defaults()
		}
		for flag, dst := range map[string]*string{
			"server-url": &s.ServerURL,
			"api-url":    &s.APIURL,
			"user-id":    &s.UserID,
			"token":      &s.Token,
		} {
			if cmd.Flags().Changed(flag) {
				*dst, _ = cmd.Flags().GetString(flag)
			}
		}
		if err := session.EnsureDir(name); err != nil {
			return err
		}
		if err := config.SaveSession(path, s); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("Saved session %q to %s\n", name, path)
		return nil
	},
}

var useCmd = &cobra.Command{
	Use:   "use <session>",
	Short: "Set the default session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.ValidateName(args[0]); err != nil {
			return err
		}
		path := session.ConfigPath()
		cfg, err := config.Load(path)
		if err != nil {
			cfg = &config.Config{}
		}
		cfg.DefaultSession = args[0]
		if err := config.Save(path, cfg); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("Default session is now %q\n", args[0])
		return nil
	},
}
