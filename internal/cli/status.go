package cli

import (
	"fmt"

	"github.com/kagan-dev/kagan/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's status, or a summary of all tasks if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		return runBoard(cmd, args)
	}

	task, err := s.GetTask(args[0])
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", args[0])
	}

	fmt.Printf("%s%s%s  %s\n", colorBold, task.Title, colorReset, colorDim+task.ID+colorReset)
	fmt.Printf("  status:          %s\n", task.Status)
	fmt.Printf("  type:            %s\n", task.TaskType)
	fmt.Printf("  base branch:     %s\n", task.BaseBranch)
	fmt.Printf("  iterations:      %d\n", task.TotalIterations)
	if task.Status == store.StatusReview {
		badge, _ := readinessBadge(task.MergeReadiness)
		fmt.Printf("  merge readiness: %s\n", badge)
		fmt.Printf("  checks passed:   %v\n", task.ChecksPassed)
	}
	if task.ReviewSummary != "" {
		fmt.Printf("  review summary:  %s\n", task.ReviewSummary)
	}
	if task.BlockReason != "" {
		fmt.Printf("  %sblock reason:%s    %s\n", colorRed, colorReset, task.BlockReason)
	}
	if task.LastError != "" {
		fmt.Printf("  %slast error:%s      %s\n", colorRed, colorReset, task.LastError)
	}
	if task.MergeFailed {
		fmt.Printf("  %smerge error:%s     %s\n", colorRed, colorReset, task.MergeError)
	}

	events, err := s.GetEvents(task.ID)
	if err == nil && len(events) > 0 {
		fmt.Println("  recent events:")
		start := 0
		if len(events) > 5 {
			start = len(events) - 5
		}
		for _, e := range events[start:] {
			fmt.Printf("    %s%s%s %s\n", colorDim, e.Timestamp.Format("15:04:05"), colorReset, e.Kind)
		}
	}

	return nil
}
