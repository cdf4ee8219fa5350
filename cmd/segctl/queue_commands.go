package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/phrazzld/segqueue/internal/api"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/events"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		model       string
		threshold   float64
		detectHoles bool
	)

	cmd := &cobra.Command{
		Use:   "submit PROJECT_ID IMAGE_ID...",
		Short: "Queue images for segmentation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}

			reqs := make([]api.SubmitRequest, 0, len(args)-1)
			for _, raw := range args[1:] {
				imageID, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("invalid image id %q", raw)
				}
				req := api.SubmitRequest{ImageID: imageID, Model: model}
				if cmd.Flags().Changed("threshold") {
					t := threshold
					req.Threshold = &t
				}
				if cmd.Flags().Changed("detect-holes") {
					d := detectHoles
					req.DetectHoles = &d
				}
				reqs = append(reqs, req)
			}

			return ctx.withClient(cmd, func(c context.Context, client *apiClient) error {
				actionID := events.NewActionID()
				if len(reqs) == 1 {
					item, err := client.Submit(c, projectID, reqs[0], actionID)
					if err != nil {
						return err
					}
					if ctx.jsonOutput {
						return writeJSON(cmd, item)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (image %s, position %d)\n", item.ID, item.ImageID, item.Sequence)
					return nil
				}

				resp, err := client.SubmitBatch(c, projectID, reqs, actionID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable(out,
					[]string{"#", "Image", "Item", "Result"},
					buildBatchRows(reqs, resp.Results),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft}))
				fmt.Fprintf(out, "Accepted %d, rejected %d\n", resp.Accepted, resp.Rejected)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Segmentation model (default server-side)")
	cmd.Flags().Float64Var(&threshold, "threshold", domain.DefaultThreshold, "Confidence threshold between 0 and 1")
	cmd.Flags().BoolVar(&detectHoles, "detect-holes", false, "Detect holes inside segmented regions")
	return cmd
}

func buildBatchRows(reqs []api.SubmitRequest, results []api.BatchItemResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		image := ""
		if result.Index >= 0 && result.Index < len(reqs) {
			image = reqs[result.Index].ImageID.String()
		}
		item, outcome := "-", result.Error
		if result.Item != nil {
			item = result.Item.ID.String()
			outcome = string(result.Item.Status)
		}
		rows = append(rows, []string{strconv.Itoa(result.Index), image, item, outcome})
	}
	return rows
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cancel PROJECT_ID",
		Short: "Cancel your queued jobs in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}

			return ctx.withClient(cmd, func(c context.Context, client *apiClient) error {
				var conn *websocket.Conn
				if wait {
					// Subscribe first so the cancellation event cannot be missed.
					conn, err = client.DialEvents(c, projectID)
					if err != nil {
						return err
					}
					defer func() { _ = conn.Close() }()
				}

				reconciler := events.NewReconciler(events.DefaultMaxPending)
				actionID := events.NewActionID()
				reconciler.Track(actionID)

				result, err := client.Cancel(c, projectID, actionID)
				if err != nil {
					reconciler.Forget(actionID)
					return err
				}

				if wait && result.CancelledCount > 0 {
					if err := awaitOwnEvent(conn, reconciler, timeout); err != nil {
						return err
					}
				}

				if ctx.jsonOutput {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				switch {
				case result.NothingToCancel:
					fmt.Fprintln(out, "Nothing to cancel")
				default:
					fmt.Fprintf(out, "Cancelled %d, failed %d\n", result.CancelledCount, result.FailedCount)
				}
				if result.Warning != "" {
					fmt.Fprintln(out, "Warning:", result.Warning)
				}
				if len(result.Failures) > 0 {
					rows := make([][]string, 0, len(result.Failures))
					for _, f := range result.Failures {
						rows = append(rows, []string{f.ID.String(), f.Reason})
					}
					fmt.Fprint(out, renderTable(out, []string{"Item", "Reason"}, rows, nil))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the cancellation is broadcast to subscribers")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long --wait waits for the event")
	return cmd
}

// awaitOwnEvent reads events until one originates from a tracked action.
func awaitOwnEvent(conn *websocket.Conn, reconciler *events.Reconciler, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	for {
		var event events.Event
		if err := conn.ReadJSON(&event); err != nil {
			return fmt.Errorf("waiting for cancellation event: %w", err)
		}
		if reconciler.Observe(event) {
			return nil
		}
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list PROJECT_ID",
		Short: "List queue items of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			filter := make(map[domain.Status]bool, len(statuses))
			for _, raw := range statuses {
				status := domain.Status(strings.ToLower(strings.TrimSpace(raw)))
				if !status.IsValid() {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter[status] = true
			}

			return ctx.withClient(cmd, func(c context.Context, client *apiClient) error {
				items, err := client.List(c, projectID)
				if err != nil {
					return err
				}
				if len(filter) > 0 {
					kept := items[:0]
					for _, item := range items {
						if filter[item.Status] {
							kept = append(kept, item)
						}
					}
					items = kept
				}

				if ctx.jsonOutput {
					return writeJSON(cmd, items)
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprint(out, renderTable(out,
					[]string{"Seq", "Item", "Image", "Status", "Retries", "Model", "Error"},
					buildQueueListRows(items),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show items with these statuses")
	return cmd
}

func buildQueueListRows(items []*domain.QueueItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			strconv.FormatInt(item.Sequence, 10),
			item.ID.String(),
			item.ImageID.String(),
			string(item.Status),
			fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
			string(item.Params.Model),
			item.Error,
		})
	}
	return rows
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats PROJECT_ID",
		Short: "Show queue counts of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(cmd, func(c context.Context, client *apiClient) error {
				view, err := client.Stats(c, projectID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, view)
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable(out, []string{"Status", "Count"}, buildStatsRows(view),
					[]columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func buildStatsRows(view domain.ProjectQueueView) [][]string {
	counts := map[domain.Status]int{
		domain.StatusQueued:     view.Queued,
		domain.StatusProcessing: view.Processing,
		domain.StatusCompleted:  view.Completed,
		domain.StatusFailed:     view.Failed,
		domain.StatusCancelled:  view.Cancelled,
	}
	rows := make([][]string, 0, len(domain.AllStatuses)+1)
	for _, status := range domain.AllStatuses {
		rows = append(rows, []string{string(status), strconv.Itoa(counts[status])})
	}
	return append(rows, []string{"total", strconv.Itoa(view.Total)})
}
