package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"taskboard/domain"
)

func listCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := opts.newClient().ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

func getCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := opts.newClient().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func createCmd(opts *options) *cobra.Command {
	var in domain.TaskInput
	var priority string
	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = args[0]
			in.Priority = domain.Priority(priority)
			t, err := opts.newClient().CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), t)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in.Description, "description", "d", "", "Task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "Low, Medium or High (default Medium)")
	return cmd
}

func updateCmd(opts *options) *cobra.Command {
	var title, description, priority string
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.TaskPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("priority") {
				p := domain.Priority(priority)
				patch.Priority = &p
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update")
			}
			t, err := opts.newClient().UpdateTask(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "New title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "New priority")
	return cmd
}

func deleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.newClient().DeleteTask(cmd.Context(), args[0])
		},
	}
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printStats(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := sonic.ConfigStd.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTasks(w io.Writer, tasks []domain.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "(no tasks)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Priority, t.Title)
	}
	tw.Flush()
}

func printStats(w io.Writer, s domain.Stats) {
	parts := make([]string, 0, len(domain.Priorities))
	for _, p := range domain.Priorities {
		parts = append(parts, fmt.Sprintf("%s=%d", p, s.ByPriority[p]))
	}
	fmt.Fprintf(w, "total=%d %s\n", s.Total, strings.Join(parts, " "))
}
