package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingDispatch/pkg/console"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"go.uber.org/zap"
)

func main() {
	var serverURL string
	var apiKey string
	var apiSecret string
	var calls string
	var takeover string
	var reason string
	var escalate string
	var emergencyType string
	var ack bool
	var verbose bool

	flag.StringVar(&serverURL, "url", "ws://localhost:7080/api/dispatch/ws", "Dispatch console WebSocket URL")
	flag.StringVar(&apiKey, "key", os.Getenv("DISPATCH_API_KEY"), "Console apiKey")
	flag.StringVar(&apiSecret, "secret", os.Getenv("DISPATCH_API_SECRET"), "Console apiSecret")
	flag.StringVar(&calls, "calls", "", "Comma separated call IDs to watch")
	flag.StringVar(&takeover, "takeover", "", "Request takeover of this call once connected")
	flag.StringVar(&reason, "reason", "", "Reason sent with -takeover")
	flag.StringVar(&escalate, "escalate", "", "Raise an emergency escalation on this call once connected")
	flag.StringVar(&emergencyType, "type", "medical", "Emergency type sent with -escalate")
	flag.BoolVar(&ack, "ack", false, "Acknowledge every escalation received")
	flag.BoolVar(&verbose, "v", false, "Log reconnects")
	flag.Parse()

	if apiKey == "" || apiSecret == "" || (calls == "" && takeover == "" && escalate == "") {
		fmt.Println("Usage: go run cmd/console/main.go -key <apiKey> -secret <apiSecret> -calls <id,id> [-url <ws_url>]")
		fmt.Println("\nExample:")
		fmt.Println("  # Watch two calls")
		fmt.Println("  go run cmd/console/main.go -key k -secret s -calls C1,C2")
		fmt.Println("\n  # Take over a call")
		fmt.Println("  go run cmd/console/main.go -key k -secret s -takeover C1 -reason \"caller asked for a human\"")
		fmt.Println("\n  # Escalate and acknowledge")
		fmt.Println("  go run cmd/console/main.go -key k -secret s -escalate C1 -type fire -ack")
		os.Exit(1)
	}

	log := zap.NewNop()
	if verbose {
		log, _ = zap.NewDevelopment()
	}

	client := console.New(console.Config{URL: serverURL, APIKey: apiKey, APISecret: apiSecret}, log)
	for _, id := range splitCalls(calls, takeover, escalate) {
		_ = client.Subscribe(id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	acted := false
	for {
		select {
		case err := <-done:
			drain(client)
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Printf("Console stopped: %v\n", err)
				os.Exit(1)
			}
			return
		case msg := <-client.Frames():
			printFrame(msg)
			// 首个快照到达说明已订阅成功
			if !acted && msg.Type == dispatch.MsgSnapshot {
				acted = true
				if takeover != "" {
					if err := client.RequestTakeover(takeover, reason); err != nil {
						fmt.Printf("Failed to request takeover: %v\n", err)
					}
				}
				if escalate != "" {
					if err := client.EmergencyEscalate(escalate, emergencyType, reason); err != nil {
						fmt.Printf("Failed to escalate: %v\n", err)
					}
				}
			}
			if ack && msg.Type == dispatch.MsgEscalationRaised && msg.EscalationID != "" {
				if err := client.AcknowledgeEscalation(msg.EscalationID); err != nil {
					fmt.Printf("Failed to acknowledge %s: %v\n", msg.EscalationID, err)
				}
			}
		}
	}
}

func splitCalls(calls string, extra ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append(strings.Split(calls, ","), extra...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func drain(client *console.Client) {
	for {
		select {
		case msg := <-client.Frames():
			printFrame(msg)
		default:
			return
		}
	}
}

func printFrame(msg dispatch.OutboundMessage) {
	data, err := sonic.ConfigStd.Marshal(msg)
	if err != nil {
		fmt.Printf("Failed to encode frame: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
