package cli

import (
	"fmt"

	"github.com/kagan-dev/kagan/internal/store"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and list tasks",
}

var taskBaseBranch string
var taskDescription string
var taskPair bool

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskBaseBranch, "base-branch", "main", "branch the task's worktree is created from")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskCreateCmd.Flags().BoolVar(&taskPair, "pair", false, "create a PAIR task instead of AUTO")
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	taskType := store.TypeAuto
	if taskPair {
		taskType = store.TypePair
	}

	task, err := s.CreateTask(args[0], taskDescription, taskBaseBranch, taskType, nil)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	fmt.Printf("Created task %s%s%s: %s\n", colorYellow, task.ID, colorReset, task.Title)
	if taskType == store.TypeAuto {
		fmt.Printf("Run it with: %skagan start %s%s\n", colorCyan, task.ID, colorReset)
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := s.ListTasks(nil)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks yet.")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s%s%s  %-12s %s\n", colorYellow, shortID(t.ID), colorReset, t.Status, t.Title)
	}
	return nil
}
