package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lovelink/chatsync/internal/daemon"
	"github.com/lovelink/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	socketFlag := flag.String("socket", "", "control socket path (defaults to the session directory)")
	noConnect := flag.Bool("no-connect", false, "start without connecting the realtime channel")
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err == nil {
		err = session.Configured(sessionName)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			SocketPath:  *socketFlag,
			NoConnect:   *noConnect,
		}),
	)

	app.Run()
}
