// Command logreport digests the stderr slog lines a run leaves behind:
// per-message counts, a health section, per-node volume, and the error
// lines themselves, plus an optional counts CSV. Feed it one file per
// node, or pipe a single log on stdin.
package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type record struct {
	time   time.Time
	level  string
	msg    string
	attrs  map[string]string
	source string
}

// node resolves which node a line belongs to: the node attr when the
// logger carried one, the file name otherwise.
func (r record) node() string {
	if n, ok := r.attrs["node"]; ok && n != "" {
		return n
	}
	return r.source
}

var (
	flCSV    = flag.String("csv", "", "also write per-message counts to this file")
	flErrors = flag.Int("errors", 20, "how many error lines to list")
)

func main() {
	flag.Parse()

	var recs []record
	if flag.NArg() == 0 {
		recs = readRecords(os.Stdin, "stdin")
	} else {
		for _, path := range flag.Args() {
			f, err := os.Open(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			recs = append(recs, readRecords(f, name)...)
			f.Close()
		}
	}

	printHeader("LOG REPORT")
	fmt.Printf("Lines: %d\n\n", len(recs))

	printMessages(recs)
	printHealth(recs)
	printVolume(recs)
	printErrors(recs, *flErrors)

	if *flCSV != "" {
		if err := writeCountsCSV(*flCSV, recs); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// readRecords scans slog text lines, skipping anything that does not
// parse. A crashed node's torn last line is not worth failing over.
func readRecords(r io.Reader, source string) []record {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	var out []record
	for s.Scan() {
		if rec, ok := parseLine(s.Text()); ok {
			rec.source = source
			out = append(out, rec)
		}
	}
	return out
}

// parseLine splits one slog text line into its key=value attrs. Values
// are quoted by slog whenever they contain spaces or specials.
func parseLine(line string) (record, bool) {
	attrs := make(map[string]string)
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			break
		}
		eq := strings.IndexByte(line[i:], '=')
		if eq <= 0 {
			return record{}, false
		}
		key := line[i : i+eq]
		i += eq + 1
		var val string
		if i < len(line) && line[i] == '"' {
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return record{}, false
			}
			unq, err := strconv.Unquote(line[i : j+1])
			if err != nil {
				return record{}, false
			}
			val = unq
			i = j + 1
		} else {
			end := strings.IndexByte(line[i:], ' ')
			if end < 0 {
				val = line[i:]
				i = len(line)
			} else {
				val = line[i : i+end]
				i += end
			}
		}
		attrs[key] = val
	}

	rec := record{
		level: attrs["level"],
		msg:   attrs["msg"],
		attrs: attrs,
	}
	if rec.msg == "" || rec.level == "" {
		return record{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, attrs["time"]); err == nil {
		rec.time = ts
	}
	delete(attrs, "time")
	delete(attrs, "level")
	delete(attrs, "msg")
	return rec, true
}

func printHeader(title string) {
	fmt.Println(strings.Repeat("=", len(title)))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}

func printMessages(recs []record) {
	fmt.Println("Messages")
	if len(recs) == 0 {
		fmt.Println("  (no log lines)")
		fmt.Println()
		return
	}
	byMsg := map[string]int{}
	byLevel := map[string]int{}
	for _, r := range recs {
		byMsg[r.msg]++
		byLevel[r.level]++
	}
	fmt.Println("  By message:")
	for _, k := range sortedKeys(byMsg) {
		fmt.Printf("    %-22s %6d\n", k, byMsg[k])
	}
	fmt.Println("  By level:")
	for _, k := range sortedKeys(byLevel) {
		fmt.Printf("    %-22s %6d\n", k, byLevel[k])
	}
	fmt.Println()
}

// healthMsgs are the messages worth surfacing on their own: each one is
// a dropped, rejected, or failed something.
var healthMsgs = []string{
	"send_err", "wire_read_err", "wire_decode_err", "stray_reply",
	"unsupported_msg", "handler_err", "gossip_unacked",
	"gossip_ok_decode_err", "gossip_send_err", "topology_without_self",
}

func printHealth(recs []record) {
	fmt.Println("Health")
	byMsg := map[string]int{}
	for _, r := range recs {
		byMsg[r.msg]++
	}
	clean := true
	for _, m := range healthMsgs {
		if n := byMsg[m]; n > 0 {
			fmt.Printf("  %-22s %6d\n", m, n)
			clean = false
		}
	}
	if clean {
		fmt.Println("  (clean)")
	}
	fmt.Println()
}

func printVolume(recs []record) {
	fmt.Println("Volume")
	if len(recs) == 0 {
		fmt.Println("  (no log lines)")
		fmt.Println()
		return
	}
	type span struct {
		lines       int
		first, last time.Time
		learned     int
		merges      int
	}
	byNode := map[string]*span{}
	for _, r := range recs {
		s := byNode[r.node()]
		if s == nil {
			s = &span{}
			byNode[r.node()] = s
		}
		s.lines++
		if !r.time.IsZero() {
			if s.first.IsZero() || r.time.Before(s.first) {
				s.first = r.time
			}
			if r.time.After(s.last) {
				s.last = r.time
			}
		}
		switch r.msg {
		case "value_learned":
			if n, err := strconv.Atoi(r.attrs["count"]); err == nil {
				s.learned += n
			} else {
				s.learned++
			}
		case "gossip_merge", "counter_merge":
			s.merges++
		}
	}
	nodes := make([]string, 0, len(byNode))
	for k := range byNode {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		s := byNode[n]
		dur := s.last.Sub(s.first)
		rate := 0.0
		if dur > 0 {
			rate = float64(s.lines) / dur.Seconds()
		}
		fmt.Printf("  %-8s lines=%6d  span=%-10s  rate=%6.1f/s  learned=%d merges=%d\n",
			n, s.lines, dur.Round(time.Millisecond), rate, s.learned, s.merges)
	}
	fmt.Println()
}

func printErrors(recs []record, keep int) {
	fmt.Println("Errors")
	shown := 0
	total := 0
	for _, r := range recs {
		if r.level != "ERROR" {
			continue
		}
		total++
		if shown >= keep {
			continue
		}
		attrs := make([]string, 0, len(r.attrs))
		for _, k := range sortedAttrKeys(r.attrs) {
			attrs = append(attrs, k+"="+r.attrs[k])
		}
		fmt.Printf("  %s  %s  %s\n", r.time.Format(time.RFC3339), r.msg, strings.Join(attrs, " "))
		shown++
	}
	if total == 0 {
		fmt.Println("  (none)")
	} else if total > shown {
		fmt.Printf("  ... and %d more\n", total-shown)
	}
	fmt.Println()
}

func writeCountsCSV(path string, recs []record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	type key struct{ node, level, msg string }
	counts := map[key]int{}
	for _, r := range recs {
		counts[key{r.node(), r.level, r.msg}]++
	}
	keys := make([]key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].node != keys[j].node {
			return keys[i].node < keys[j].node
		}
		if keys[i].msg != keys[j].msg {
			return keys[i].msg < keys[j].msg
		}
		return keys[i].level < keys[j].level
	})

	w := csv.NewWriter(f)
	_ = w.Write([]string{"node", "level", "msg", "count"})
	for _, k := range keys {
		_ = w.Write([]string{k.node, k.level, k.msg, strconv.Itoa(counts[k])})
	}
	w.Flush()
	return w.Error()
}

func sortedKeys(m map[string]int) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func sortedAttrKeys(m map[string]string) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
