package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	identityFlag := flag.String("identity", "", "push channel identity (overrides sync.local_user_id)")
	configFlag := flag.String("config", "", "config file path (default ~/.chatsync/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Resolve(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	sessionName := *sessionFlag
	if sessionName == "" {
		sessionName = cfg.DefaultSession
	}
	if sessionName == "" {
		sessionName = session.DefaultSessionName
	}
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Identity:    *identityFlag,
			Config:      cfg,
		}),
	)

	app.Run()
}
