package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"modelq/internal/notify"
	"modelq/internal/queue"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiClear  = "\x1b[H\x1b[2J"

	progressWidth = 20
)

// titleCase builds a fresh caser per call; a cases.Caser is stateful.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func severityColor(severity notify.Severity) string {
	switch severity {
	case notify.Success:
		return ansiGreen
	case notify.Warning:
		return ansiYellow
	case notify.Error:
		return ansiRed
	default:
		return ansiBlue
	}
}

func renderNotice(severity notify.Severity, message string, colorize bool) string {
	label := fmt.Sprintf("[%s]", strings.ToUpper(severity.String()))
	if colorize {
		label = severityColor(severity) + label + ansiReset
	}
	return label + " " + message
}

// newConsoleSink prints notifications as single lines. Writes are
// serialized because the push channel and the command goroutine both notify.
func newConsoleSink(w io.Writer) notify.Sink {
	var mu sync.Mutex
	colorize := shouldColorize(w)
	return notify.SinkFunc(func(severity notify.Severity, message string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, renderNotice(severity, message, colorize))
	})
}

func sourceLabel(source string) string {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "":
		return "-"
	case "civitai":
		return "CivitAI"
	case "huggingface":
		return "Hugging Face"
	default:
		return titleCase(source)
	}
}

func statusLabel(status queue.Status) string {
	return titleCase(string(status))
}

func progressBar(percent float64) string {
	percent = min(max(percent, 0), 100)
	filled := int(percent / 100 * progressWidth)
	return fmt.Sprintf("%s%s %5.1f%%", strings.Repeat("█", filled), strings.Repeat("░", progressWidth-filled), percent)
}

func buildTaskRows(tasks []queue.Task, now time.Time) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, task := range tasks {
		added := "-"
		if !task.CreatedAt.IsZero() {
			added = humanize.RelTime(task.CreatedAt, now, "ago", "from now")
		}
		rows = append(rows, []string{
			task.ID,
			task.Label(),
			sourceLabel(task.Source),
			statusLabel(task.Status),
			progressBar(task.Progress),
			added,
		})
	}
	return rows
}

func renderTasks(tasks []queue.Task, now time.Time) string {
	if len(tasks) == 0 {
		return "Queue is empty\n"
	}
	return renderTable(
		[]string{"Task", "Model", "Source", "Status", "Progress", "Added"},
		buildTaskRows(tasks, now),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

// renderTaskLines is the plain form used when output is not a terminal.
func renderTaskLines(tasks []queue.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "queue: %d %s\n", len(tasks), pluralize(len(tasks), "task", "tasks"))
	for _, task := range tasks {
		fmt.Fprintf(&b, "  %s %s %s %.1f%%\n", task.ID, task.Label(), task.Status, task.Progress)
	}
	return b.String()
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func formatGB(gb float64) string {
	return humanize.Bytes(uint64(gb * 1e9))
}
