// Command talks-rtc is a console client for Talks voice and video
// calls. It connects to the chat backend over websocket, captures
// local media and drives calls from stdin commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/solidchat/talks-rtc/internal/config"
	"github.com/solidchat/talks-rtc/pkg/call"
	"github.com/solidchat/talks-rtc/pkg/capture"
	"github.com/solidchat/talks-rtc/pkg/signaling"
	"github.com/solidchat/talks-rtc/pkg/telemetry"
	"github.com/solidchat/talks-rtc/pkg/transport/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application failure: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	tracerProvider, err := telemetry.InitTracer(ctx, cfg.TelemetryEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				log.Printf("Error shutting down tracer provider: %v", err)
			}
		}()
		log.Printf("Telemetry enabled with endpoint: %s", cfg.TelemetryEndpoint)
	}

	transport := ws.NewClient(ws.Config{
		URL:   cfg.ServerURL,
		Token: cfg.AuthToken,
	})
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("relay connect failed: %w", err)
	}
	defer transport.Close()
	log.Printf("Connected to %s as %s", cfg.ServerURL, cfg.UserID)

	devices, err := capture.NewDevices(nil)
	if err != nil {
		return fmt.Errorf("capture init failed: %w", err)
	}

	callCfg := call.DefaultConfig(cfg.UserID)
	callCfg.StalenessWindow = cfg.StalenessWindow
	callCfg.EmptyHuddleTimeout = cfg.EmptyHuddleTimeout
	callCfg.RosterPollInterval = cfg.RosterPollInterval
	callCfg.ICEServers = iceServers(cfg.ICEServers)

	factory, err := call.NewWebRTCFactory(callCfg)
	if err != nil {
		return fmt.Errorf("webrtc init failed: %w", err)
	}

	manager := call.NewManager(callCfg, transport, factory, devices)
	defer manager.Close()

	manager.SetOnStateChange(func(s call.State) {
		log.Printf("call state: %s", s)
	})
	manager.SetOnIncomingCall(func(inc call.IncomingCall) {
		log.Printf("incoming %s call from %s (accept %s / decline %s)",
			inc.Kind, inc.CallerID, inc.CallerID, inc.CallerID)
	})
	manager.SetOnPeersChanged(func(peers []string) {
		log.Printf("peers: %v", peers)
	})
	manager.SetOnRemoteTrack(func(user string, track call.RemoteTrack) {
		log.Printf("remote %s track from %s", track.Kind(), user)
	})
	manager.SetOnRingback(func(ringing bool) {
		if ringing {
			log.Print("ringing...")
		}
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- manager.Run(ctx, transport.Batches())
	}()

	go commandLoop(ctx, manager)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErr:
		return err
	case <-stop:
		log.Println("Shutting down...")
	}

	return manager.Hangup(context.Background())
}

func iceServers(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

const usage = `commands:
  call <user>        start a direct call (audio)
  vcall <user>       start a direct call with video
  huddle <channel>   start or join a channel huddle
  accept <user>      accept an incoming call
  decline <user>     decline an incoming call
  mute               toggle microphone
  video              toggle camera
  share              toggle screen share
  peers              list connected peers
  hangup             leave the current call`

func commandLoop(ctx context.Context, manager *call.Manager) {
	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, arg := fields[0], ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		var err error
		switch cmd {
		case "call", "vcall":
			if arg == "" {
				fmt.Println("usage: call <user>")
				continue
			}
			kind := signaling.CallTypeAudio
			if cmd == "vcall" {
				kind = signaling.CallTypeVideo
			}
			ch := call.Channel{ID: "dm:" + arg, Direct: true, Partner: arg}
			err = manager.StartCall(ctx, ch, kind)
		case "huddle":
			if arg == "" {
				fmt.Println("usage: huddle <channel>")
				continue
			}
			err = manager.StartCall(ctx, call.Channel{ID: arg}, signaling.CallTypeAudio)
		case "accept":
			err = manager.Accept(ctx, arg)
		case "decline":
			err = manager.Decline(ctx, arg)
		case "mute":
			var muted bool
			if muted, err = manager.ToggleMute(); err == nil {
				fmt.Printf("muted: %v\n", muted)
			}
		case "video":
			var on bool
			if on, err = manager.ToggleVideo(ctx); err == nil {
				fmt.Printf("video: %v\n", on)
			}
		case "share":
			var on bool
			if on, err = manager.ToggleScreenShare(ctx); err == nil {
				fmt.Printf("screen share: %v\n", on)
			}
		case "peers":
			fmt.Printf("peers: %v\n", manager.Peers())
		case "hangup":
			err = manager.Hangup(ctx)
		case "help":
			fmt.Println(usage)
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
