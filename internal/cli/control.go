package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// httpClient is shared by the commands that drive the daemon's Job
// Surface; they never mutate task state directly, only submit requests.
var httpClient = &http.Client{Timeout: 10 * time.Second}

var startCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Submit a spawn request for a task to the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <task-id>",
	Short: "Submit a stop request for a task's running agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var queueCmd = &cobra.Command{
	Use:   "queue <task-id> <lane> <content>",
	Short: "Queue a follow-up message for a task's implementation, review, or planner lane",
	Args:  cobra.ExactArgs(3),
	RunE:  runQueue,
}

func runStart(cmd *cobra.Command, args []string) error {
	return postJobSurface(fmt.Sprintf("/api/v1/tasks/%s/run", args[0]), nil)
}

func runStop(cmd *cobra.Command, args []string) error {
	return postJobSurface(fmt.Sprintf("/api/v1/tasks/%s/stop", args[0]), nil)
}

func runQueue(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"lane": args[1], "content": args[2]})
	if err != nil {
		return err
	}
	return postJobSurface(fmt.Sprintf("/api/v1/tasks/%s/queue", args[0]), bytes.NewReader(body))
}

func postJobSurface(path string, body io.Reader) error {
	url := apiAddr() + path
	resp, err := httpClient.Post(url, "application/json", body)
	if err != nil {
		return fmt.Errorf("reach kagan daemon at %s: %w (is `kagand` running?)", apiAddr(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon responded %s: %s", resp.Status, msg)
	}
	fmt.Println("ok")
	return nil
}
