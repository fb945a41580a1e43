// Example: placing a direct call with the talks-rtc library.
//
// Build: go build -o call_example ./example/basic
// Run:   TALKS_USER_ID=alice ./call_example bob
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/solidchat/talks-rtc/internal/config"
	"github.com/solidchat/talks-rtc/pkg/call"
	"github.com/solidchat/talks-rtc/pkg/capture"
	"github.com/solidchat/talks-rtc/pkg/signaling"
	"github.com/solidchat/talks-rtc/pkg/transport/ws"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: call_example <remote-user>")
		os.Exit(1)
	}
	partner := os.Args[1]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 1. Connect the signal relay.
	transport := ws.NewClient(ws.Config{URL: cfg.ServerURL, Token: cfg.AuthToken})
	if err := transport.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer transport.Close()

	// 2. Local media and the native connection factory.
	devices, err := capture.NewDevices(nil)
	if err != nil {
		log.Fatalf("capture: %v", err)
	}
	callCfg := call.DefaultConfig(cfg.UserID)
	factory, err := call.NewWebRTCFactory(callCfg)
	if err != nil {
		log.Fatalf("webrtc: %v", err)
	}

	// 3. The call manager ties it together.
	manager := call.NewManager(callCfg, transport, factory, devices)
	defer manager.Close()

	manager.SetOnStateChange(func(s call.State) { log.Printf("state: %s", s) })
	manager.SetOnPeersChanged(func(peers []string) { log.Printf("peers: %v", peers) })
	manager.SetOnRemoteTrack(func(user string, track call.RemoteTrack) {
		log.Printf("receiving %s from %s", track.Kind(), user)
	})

	go func() {
		if err := manager.Run(ctx, transport.Batches()); err != nil && ctx.Err() == nil {
			log.Printf("run: %v", err)
		}
	}()

	// 4. Ring the partner and talk until interrupted.
	ch := call.Channel{ID: "dm:" + partner, Direct: true, Partner: partner}
	if err := manager.StartCall(ctx, ch, signaling.CallTypeAudio); err != nil {
		log.Fatalf("call: %v", err)
	}

	<-ctx.Done()
	if err := manager.Hangup(context.Background()); err != nil && err != call.ErrNoSession {
		log.Printf("hangup: %v", err)
	}
}
