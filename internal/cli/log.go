package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log <task-id>",
	Short: "Show the execution log for a task's most recent run",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	exec, err := s.GetLatestExecutionForTask(args[0])
	if err != nil {
		return err
	}
	if exec == nil {
		fmt.Println("No executions for this task yet.")
		return nil
	}

	entries, err := s.GetExecutionLogEntries(exec.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Execution log is empty.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s[%s]%s\n%s\n\n", colorDim, e.Timestamp.Format("15:04:05"), colorReset, e.Payload)
	}
	return nil
}
