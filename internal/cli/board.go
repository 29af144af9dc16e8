package cli

import (
	"fmt"
	"strings"

	"github.com/kagan-dev/kagan/internal/store"
	"github.com/spf13/cobra"
)

// ANSI color codes.
const (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorWhite   = "\033[37m"
	colorBgRed   = "\033[41m"
	colorBgGreen = "\033[42m"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show the board of tasks by status",
	RunE:  runBoard,
}

func runBoard(cmd *cobra.Command, args []string) error {
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
		fmt.Printf("%sBoard is empty.%s Create a task: %skagan task create \"description\"%s\n",
			colorDim, colorReset, colorCyan, colorReset)
		return nil
	}

	columns := map[store.TaskStatus][]store.Task{
		store.StatusBacklog:    {},
		store.StatusInProgress: {},
		store.StatusReview:     {},
		store.StatusDone:       {},
	}
	for _, t := range tasks {
		columns[t.Status] = append(columns[t.Status], t)
	}

	type col struct {
		status store.TaskStatus
		label  string
		color  string
	}
	order := []col{
		{store.StatusBacklog, "BACKLOG", colorWhite},
		{store.StatusInProgress, "IN PROGRESS", colorBlue},
		{store.StatusReview, "REVIEW", colorMagenta},
		{store.StatusDone, "DONE", colorGreen},
	}

	colWidth := 24
	headerLine := ""
	sepLine := ""
	for _, c := range order {
		count := len(columns[c.status])
		header := fmt.Sprintf(" %s%s%s (%d)", c.color+colorBold, c.label, colorReset, count)
		visibleLen := len(fmt.Sprintf(" %s (%d)", c.label, count))
		padding := colWidth - visibleLen
		if padding < 0 {
			padding = 0
		}
		headerLine += header + strings.Repeat(" ", padding)
		sepLine += strings.Repeat("─", colWidth)
	}
	fmt.Println(headerLine)
	fmt.Println(colorDim + sepLine + colorReset)

	maxRows := 0
	for _, c := range order {
		if len(columns[c.status]) > maxRows {
			maxRows = len(columns[c.status])
		}
	}

	for i := 0; i < maxRows; i++ {
		line := ""
		for _, c := range order {
			colTasks := columns[c.status]
			if i < len(colTasks) {
				t := colTasks[i]
				idStr := shortID(t.ID)
				titleStr := truncate(t.Title, colWidth-len(idStr)-3)
				card := fmt.Sprintf(" %s%s%s %s", colorYellow, idStr, colorReset, titleStr)
				visibleLen := len(fmt.Sprintf(" %s %s", idStr, titleStr))
				padding := colWidth - visibleLen
				if padding < 0 {
					padding = 0
				}
				line += card + strings.Repeat(" ", padding)
			} else {
				line += strings.Repeat(" ", colWidth)
			}
		}
		fmt.Println(line)

		detailLine := ""
		for _, c := range order {
			colTasks := columns[c.status]
			if i < len(colTasks) {
				t := colTasks[i]
				detail := ""
				visibleDetail := ""
				switch {
				case t.Status == store.StatusReview:
					badge, vis := readinessBadge(t.MergeReadiness)
					detail = "    " + badge
					visibleDetail = "    " + vis
				case t.AgentBackend != "":
					detail = fmt.Sprintf("    %s[%s]%s", colorCyan, t.AgentBackend, colorReset)
					visibleDetail = fmt.Sprintf("    [%s]", t.AgentBackend)
				}
				padding := colWidth - len(visibleDetail)
				if padding < 0 {
					padding = 0
				}
				detailLine += detail + strings.Repeat(" ", padding)
			} else {
				detailLine += strings.Repeat(" ", colWidth)
			}
		}
		fmt.Println(detailLine)
		fmt.Println()
	}

	blocked := blockedReviews(columns[store.StatusReview])
	if len(blocked) > 0 {
		fmt.Printf("%s%s⚠  Blocked reviews (need your input)%s\n", colorBold, colorRed, colorReset)
		for _, t := range blocked {
			reason := t.ReviewSummary
			if reason == "" {
				reason = t.LastError
			}
			fmt.Printf("  %s%s%s: %s\n", colorYellow, shortID(t.ID), colorReset, reason)
			fmt.Printf("       → %skagan queue %s review \"your answer\"%s\n", colorCyan, t.ID, colorReset)
		}
		fmt.Println()
	}

	total := len(tasks)
	doneCount := len(columns[store.StatusDone])
	inProgress := len(columns[store.StatusInProgress])

	fmt.Printf("%s%d tasks%s", colorBold, total, colorReset)
	if doneCount > 0 {
		fmt.Printf("  %s✓ %d done%s", colorGreen, doneCount, colorReset)
	}
	if inProgress > 0 {
		fmt.Printf("  %s● %d in progress%s", colorBlue, inProgress, colorReset)
	}
	if len(blocked) > 0 {
		fmt.Printf("  %s⚠ %d blocked%s", colorRed, len(blocked), colorReset)
	}
	fmt.Println()

	return nil
}

func blockedReviews(reviews []store.Task) []store.Task {
	var out []store.Task
	for _, t := range reviews {
		if t.MergeReadiness == store.ReadinessBlocked {
			out = append(out, t)
		}
	}
	return out
}

func readinessBadge(r store.MergeReadiness) (colored, visible string) {
	switch r {
	case store.ReadinessReady:
		return colorGreen + "✓ ready" + colorReset, "✓ ready"
	case store.ReadinessBlocked:
		return colorRed + "⚠ blocked" + colorReset, "⚠ blocked"
	default:
		return colorDim + "… risk" + colorReset, "… risk"
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
