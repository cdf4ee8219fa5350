package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/phrazzld/segqueue/internal/events"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch PROJECT_ID",
		Short: "Stream queue events of a project until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(sigCtx)

			return ctx.withClient(cmd, func(c context.Context, client *apiClient) error {
				conn, err := client.DialEvents(c, projectID)
				if err != nil {
					return err
				}
				defer func() { _ = conn.Close() }()

				go func() {
					<-c.Done()
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					_ = conn.Close()
				}()

				for {
					var event events.Event
					if err := conn.ReadJSON(&event); err != nil {
						if c.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
							return nil
						}
						if errors.Is(err, io.EOF) {
							return nil
						}
						return fmt.Errorf("event stream: %w", err)
					}
					if ctx.jsonOutput {
						if err := writeJSON(cmd, event); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), formatEvent(event))
				}
			})
		},
	}
}

// formatEvent renders one event as a single line.
func formatEvent(event events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-15s %d item(s)", event.Timestamp.Local().Format(time.TimeOnly), event.Type, len(event.Items))

	byStatus := make(map[string]int)
	var order []string
	for _, item := range event.Items {
		key := string(item.Status)
		if _, seen := byStatus[key]; !seen {
			order = append(order, key)
		}
		byStatus[key]++
	}
	for _, status := range order {
		fmt.Fprintf(&b, " %s=%d", status, byStatus[status])
	}
	if event.OriginActionID != "" {
		fmt.Fprintf(&b, " action=%s", event.OriginActionID)
	}
	return b.String()
}
