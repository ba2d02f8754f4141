// signal-demo issues an HTTP request through the async bridge and
// prints the effective response, resolving 202-accepted replies via
// the push channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	signalchannel "github.com/lg8294/signal-channel"
	"github.com/lg8294/signal-channel/channel"
	"github.com/lg8294/signal-channel/contracts"
)

func main() {
	var (
		pushURL    = flag.String("push-url", "ws://localhost:8080/push", "WebSocket push endpoint")
		requestURL = flag.String("url", "http://localhost:8080/api/jobs", "request URL")
		timeout    = flag.Duration("timeout", 60*time.Second, "async result timeout")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client := signalchannel.NewClient(*pushURL,
		signalchannel.WithLogger(logger),
		signalchannel.WithRequestTimeout(*timeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start push channel", "error", err)
		os.Exit(1)
	}
	defer client.Stop(context.Background())

	client.Channel().On("notification", channel.PushHandlerFunc(func(ctx context.Context, msg contracts.PushMessage) error {
		logger.Info("notification received", "payload", map[string]interface{}(msg))
		return nil
	}))

	resp, err := client.HTTPClient().Get(*requestURL)
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("failed to read response", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n%s\n", resp.Status, body)
}
