package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var (
		url    string
		types  []string
		limit  int
		accept string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream engine events from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			target := url
			if len(types) > 0 {
				target += "?type=" + strings.Join(types, ",")
			}
			return watchEvents(ctx, target, accept, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/v1/events/stream", "event stream URL")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only print these event types")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many events (0 for until interrupted)")
	cmd.Flags().StringVar(&accept, "accept", "text/event-stream", "value for Accept header")
	return cmd
}

// watchEvents prints one "<type> <json>" line per received event.
func watchEvents(ctx context.Context, url, accept string, limit int, out io.Writer) error {
	client := &http.Client{
		Transport: &http.Transport{
			DisableCompression: true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		Timeout: 0, // streaming
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build stream request")
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "connect to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("stream %s returned %s", url, resp.Status)
	}

	var (
		eventType string
		received  int
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			// frame separator or heartbeat
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			fmt.Fprintf(out, "%s %s\n", eventType, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			eventType = ""
			received++
			if limit > 0 && received >= limit {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "read event stream")
	}
	return nil
}
