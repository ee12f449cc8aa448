// Package feed follows a growing CSV file, the way tail -f would, so a
// simulator run that is still writing can be watched live. The file may
// not exist yet when the follow starts.
package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"time"
)

// Row is one data record, keyed by the header line.
type Row struct {
	Columns []string          // header order
	Cells   map[string]string // column name -> value
}

// Feed re-reads the file on a fixed cadence and emits records it has not
// delivered before.
type Feed struct {
	rows   chan Row
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Follow starts tailing path. Close stops it.
func Follow(path string, every time.Duration) *Feed {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		rows:   make(chan Row, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.loop(ctx, path, every)
	return f
}

// Rows delivers records in file order. The channel closes when the feed
// is closed or hits a read error; check Err afterwards.
func (f *Feed) Rows() <-chan Row { return f.rows }

// Err reports what ended the feed, nil for a plain Close. It blocks
// until the feed has stopped.
func (f *Feed) Err() error {
	<-f.done
	return f.err
}

func (f *Feed) Close() {
	f.cancel()
	<-f.done
}

func (f *Feed) loop(ctx context.Context, path string, every time.Duration) {
	defer close(f.done)
	defer close(f.rows)

	seen := 0
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		header, fresh, err := readBeyond(path, seen)
		if err != nil {
			f.err = err
			return
		}
		for _, rec := range fresh {
			row := Row{Columns: header, Cells: make(map[string]string, len(header))}
			for i, col := range header {
				if i < len(rec) {
					row.Cells[col] = rec[i]
				}
			}
			select {
			case f.rows <- row:
				seen++
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// readBeyond reads the whole file and returns the records after the
// first skip data rows. A missing file or a torn header just means the
// writer has not caught up; a torn trailing record is left for the next
// pass. Only newline-terminated lines are parsed, so a record the writer
// is mid-way through never gets counted.
func readBeyond(path string, skip int) (header []string, fresh [][]string, err error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	end := bytes.LastIndexByte(raw, '\n')
	if end < 0 {
		return nil, nil, nil
	}

	r := csv.NewReader(bytes.NewReader(raw[:end+1]))
	r.FieldsPerRecord = -1
	header, err = r.Read()
	if err != nil {
		return nil, nil, nil
	}
	n := 0
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		if n >= skip {
			fresh = append(fresh, rec)
		}
		n++
	}
	return header, fresh, nil
}
