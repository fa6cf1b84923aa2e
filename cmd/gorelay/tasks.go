package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-relay/internal/persistence"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect and control tasks on a running relay"}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksGetCmd())
	cmd.AddCommand(tasksCancelCmd())
	cmd.AddCommand(tasksInputCmd())
	return cmd
}

type taskFilter struct {
	SessionID      string
	ConversationID string
	Status         string
	Sort           string
	Order          string
	Limit          int
	Offset         int
}

func (f taskFilter) query() string {
	q := url.Values{}
	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	set("session_id", f.SessionID)
	set("conversation_id", f.ConversationID)
	set("status", strings.ToUpper(f.Status))
	set("sort", f.Sort)
	set("order", f.Order)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func tasksListCmd() *cobra.Command {
	var f taskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var page struct {
				Tasks []persistence.Task `json:"tasks"`
				Total int                `json:"total"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/tasks"+f.query(), nil, &page); err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			newPrinter(cmd.OutOrStdout()).tasks(page.Tasks, page.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&f.ConversationID, "conversation", "", "conversation id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (queued, running, waiting_input, completed, failed, cancelled)")
	cmd.Flags().StringVar(&f.Sort, "sort", "", "sort field (created_at, cost, completed_at, duration, priority)")
	cmd.Flags().StringVar(&f.Order, "order", "", "asc or desc")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func tasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var task persistence.Task
			if err := c.do(cmd.Context(), http.MethodGet, "/api/tasks/"+url.PathEscape(args[0]), nil, &task); err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), task)
			}
			newPrinter(cmd.OutOrStdout()).task(&task)
			return nil
		},
	}
}

func tasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued, running or waiting task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var res struct {
				TaskID  string `json:"task_id"`
				Stopped bool   `json:"stopped"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, &res); err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			if res.Stopped {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s cancelled\n", res.TaskID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s already finished\n", res.TaskID)
			}
			return nil
		},
	}
}

func tasksInputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "input <task-id> <message...>",
		Short: "Answer a task that is waiting for input",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]string{"message": strings.Join(args[1:], " ")}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/input", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "input queued for task %s\n", args[0])
			return nil
		},
	}
}
