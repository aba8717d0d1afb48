// Copyright (C) 2025 Everything Design. All Rights Reserved.

// Program zenstate runs a ZenState presence node from the command line and
// prints transport events as they arrive. It exists for trying the
// transport out on a real network and for poking at other instances.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/google/uuid"

	presence "github.com/Everything-Design/ZenState-V3-sub000"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and inspect ZenState presence nodes.",
		Commands: []*command.C{
			{
				Name:     "run",
				Help:     "Run a presence node until interrupted, printing events.",
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runNode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var runFlags struct {
	Name    string `flag:"name,Display name to advertise"`
	User    string `flag:"user,Username to advertise"`
	Port    int    `flag:"port,TCP listen port (0 picks an ephemeral port)"`
	Admin   bool   `flag:"admin,Advertise this instance as an admin"`
	NoMDNS  bool   `flag:"no-mdns,Disable the multicast-DNS directory"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

func runNode(env *command.Env) error {
	name := runFlags.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	user := runFlags.User
	if user == "" {
		if f := strings.Fields(name); len(f) > 0 {
			user = strings.ToLower(f[0])
		} else {
			user = "user"
		}
	}

	level := value.Cond(runFlags.Verbose, slog.LevelDebug, slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	svc := presence.New(presence.Config{
		Self: presence.Identity{
			ID:          uuid.NewString(),
			DisplayName: name,
			Username:    user,
			Status:      presence.Available,
			IsAdmin:     runFlags.Admin,
		},
		Port:             runFlags.Port,
		DisableDirectory: runFlags.NoMDNS,
		Logger:           logger,
	})
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	fmt.Printf("Listening on port %d (%s)\n",
		svc.ListeningPort(), strings.Join(svc.LocalAddresses(), ", "))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	for {
		select {
		case <-sig:
			fmt.Println("Shutting down")
			return svc.Stop()
		case ev := <-svc.Events():
			printEvent(ev)
		}
	}
}

func printEvent(ev presence.Event) {
	switch ev := ev.(type) {
	case presence.PeerDiscovered:
		fmt.Printf("+ %s (%s) is %s\n", ev.Peer.DisplayName, ev.Peer.ID, ev.Peer.Status)
	case presence.PeerUpdated:
		fmt.Printf("~ %s is %s\n", ev.Peer.DisplayName, ev.Peer.Status)
	case presence.PeerLost:
		fmt.Printf("- %s left\n", ev.ID)
	case presence.MeetingRequest:
		fmt.Printf("! meeting request from %s: %s\n", ev.SenderName, ev.Message)
	case presence.MeetingRequestCanceled:
		fmt.Printf("! meeting request from %s canceled\n", ev.SenderName)
	case presence.MeetingResponse:
		verdict := value.Cond(ev.Accepted, "accepted", "declined")
		fmt.Printf("! %s %s the meeting request\n", ev.SenderName, verdict)
	case presence.EmergencyRequest:
		fmt.Printf("!! EMERGENCY from %s: %s\n", ev.SenderName, ev.Message)
	case presence.EmergencyAccessChanged:
		fmt.Printf("* emergency access granted: %v\n", ev.Granted)
	case presence.AdminNotification:
		fmt.Printf("* notice from %s: %s\n", ev.SenderName, ev.Message)
	}
}
