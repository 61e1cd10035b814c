package storage

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Journal records client requests, one JSON object per line.
type Journal interface {
	Append(event string, data map[string]interface{})
}

type NopJournal struct{}

func NewNopJournal() *NopJournal                          { return &NopJournal{} }
func (*NopJournal) Append(string, map[string]interface{}) {}

// FileJournal writes to any writer; in production a lumberjack rotating file.
type FileJournal struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewFileJournal(w io.Writer) *FileJournal {
	return &FileJournal{w: w, now: time.Now}
}

func (j *FileJournal) Append(event string, data map[string]interface{}) {
	line, err := json.Marshal(map[string]interface{}{
		"timestamp": j.now().UTC().Format(time.RFC3339),
		"event":     event,
		"data":      data,
	})
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Write(append(line, '\n'))
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
