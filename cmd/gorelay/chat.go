package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
)

type chatOptions struct {
	SessionID        string
	Profile          string
	ExternalID       string
	Provider         string
	NewConversation  bool
	RequiresApproval bool
	Priority         int
	Follow           bool
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Queue a task from a direct message",
		Long: `Queue a task from a direct message. With --follow the command streams the
task's output until it completes, fails or pauses for input.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), c, cmd.OutOrStdout(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id (UUID); empty starts a new session")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "executor profile")
	cmd.Flags().StringVar(&opts.ExternalID, "external-id", "", "external id used to derive the flow")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider name used to derive the flow")
	cmd.Flags().BoolVar(&opts.NewConversation, "new-conversation", false, "start a new conversation within the flow")
	cmd.Flags().BoolVar(&opts.RequiresApproval, "approval", false, "pause for input after the first run")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "task priority")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "stream output until the task finishes")
	return cmd
}

func runChat(ctx context.Context, c *apiClient, w io.Writer, message string, opts chatOptions) error {
	body := map[string]any{
		"session_id":        opts.SessionID,
		"message":           message,
		"executor_profile":  opts.Profile,
		"external_id":       opts.ExternalID,
		"provider":          opts.Provider,
		"new_conversation":  opts.NewConversation,
		"requires_approval": opts.RequiresApproval,
		"priority":          opts.Priority,
	}
	var task persistence.Task
	if err := c.do(ctx, http.MethodPost, "/api/chat", body, &task); err != nil {
		return err
	}
	if !opts.Follow {
		if c.asJSON {
			return printJSON(w, task)
		}
		fmt.Fprintf(w, "task %s queued (session %s)\n", task.ID, task.SessionID)
		return nil
	}
	fmt.Fprintf(w, "task %s queued (session %s)\n", task.ID, task.SessionID)
	streamed := false
	last, err := c.followTask(ctx, task.ID, func(ev bus.Event) {
		if ev.Type == bus.KindTaskOutput {
			streamed = true
			fmt.Fprint(w, ev.Chunk)
		}
	})
	if err != nil {
		return err
	}
	return reportFinal(w, last, !streamed)
}

// followTask reads the task's SSE stream, handing each event to fn, and
// returns the event that ended the stream.
func (c *apiClient) followTask(ctx context.Context, taskID string, fn func(bus.Event)) (bus.Event, error) {
	var last bus.Event
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/stream", nil)
	if err != nil {
		return last, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return last, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return last, decodeResponse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return last, fmt.Errorf("decode stream event: %w", err)
		}
		last = ev
		fn(ev)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return last, err
	}
	return last, ctx.Err()
}

// reportFinal prints the outcome. The result text is only printed when no
// output chunks were seen.
func reportFinal(w io.Writer, ev bus.Event, printResult bool) error {
	switch ev.Type {
	case bus.KindTaskCompleted:
		if printResult && strings.TrimSpace(ev.Result) != "" {
			fmt.Fprintf(w, "\n%s\n", strings.TrimSpace(ev.Result))
		}
		fmt.Fprintf(w, "\ncompleted (cost %s)\n", formatCost(ev.Cost))
		return nil
	case bus.KindTaskWaitingInput:
		fmt.Fprintf(w, "\nwaiting for input: gorelay tasks input %s <message>\n", ev.TaskID)
		return nil
	case bus.KindTaskFailed:
		return fmt.Errorf("task %s failed: %s", ev.TaskID, ev.Error)
	case bus.KindTaskCancelled:
		return fmt.Errorf("task %s cancelled", ev.TaskID)
	default:
		return fmt.Errorf("stream ended before the task finished")
	}
}
