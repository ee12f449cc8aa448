package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/frankPairs/maelstrom/internal/feed"
)

// feedSource tails a coverage.csv the simulator is writing and shows the
// latest row per node. The cluster lives in another process, so follow
// mode is read-only.
type feedSource struct {
	path string
	f    *feed.Feed

	mu    sync.Mutex
	cols  []string
	last  map[string]string
	rows  int
	lines []string

	wg   sync.WaitGroup
	once sync.Once
}

func newFeedSource(path string, every time.Duration) *feedSource {
	fs := &feedSource{
		path: path,
		f:    feed.Follow(path, every),
	}
	fs.wg.Add(1)
	go fs.pump()
	return fs
}

func (fs *feedSource) pump() {
	defer fs.wg.Done()
	for row := range fs.f.Rows() {
		fs.mu.Lock()
		fs.cols = row.Columns
		fs.last = row.Cells
		fs.rows++
		fs.lines = append(fs.lines, formatRow(row))
		if len(fs.lines) > maxPendingLines {
			fs.lines = fs.lines[len(fs.lines)-maxPendingLines:]
		}
		fs.mu.Unlock()
	}
	if err := fs.f.Err(); err != nil {
		fs.mu.Lock()
		fs.lines = append(fs.lines, "feed error: "+err.Error())
		fs.mu.Unlock()
	}
}

func (fs *feedSource) Title() string { return "maelstrom watch: " + fs.path }

func (fs *feedSource) Columns() []string { return []string{"node", "value"} }

func (fs *feedSource) Rows() [][]string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	nodes := nodeColumns(fs.cols)
	rows := make([][]string, 0, len(nodes))
	for _, c := range nodes {
		rows = append(rows, []string{c, fs.last[c]})
	}
	return rows
}

// Status compares the node cells of the newest row. Counts agreeing is
// the best a CSV can tell us about convergence.
func (fs *feedSource) Status() (bool, string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	nodes := nodeColumns(fs.cols)
	if len(nodes) == 0 {
		return false, "waiting for data in " + fs.path
	}
	note := fmt.Sprintf("t=%ss  row %d", fs.last["t_sec"], fs.rows)
	ref := fs.last[nodes[0]]
	for _, c := range nodes[1:] {
		if fs.last[c] != ref {
			return false, note
		}
	}
	return true, note
}

func (fs *feedSource) Drain() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := fs.lines
	fs.lines = nil
	return out
}

func (fs *feedSource) Exec(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	switch fields[0] {
	case "quit", "q", "exit":
		return "", true
	case "help", "h", "?":
		return "follow mode is read-only; 'quit' exits", false
	default:
		return "follow mode is read-only (try 'quit')", false
	}
}

func (fs *feedSource) Close() {
	fs.once.Do(func() {
		fs.f.Close()
		fs.wg.Wait()
	})
}

func nodeColumns(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "t_sec" || c == "backlog_total" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func formatRow(row feed.Row) string {
	parts := make([]string, 0, len(row.Columns))
	for _, c := range row.Columns {
		if c == "t_sec" {
			parts = append(parts, "t="+row.Cells[c]+"s")
			continue
		}
		parts = append(parts, c+"="+row.Cells[c])
	}
	return strings.Join(parts, " ")
}
