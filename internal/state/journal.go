package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/bus"
	"arena/internal/model"
	"arena/pkg/journal"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultJournalQueue = 4096
	defaultAppendWait   = time.Second
)

var ErrJournalStarted = errors.New("state: journal already started")

// Journal writes executed trades to an append-only file off the execution path.
type Journal struct {
	w    *journal.Writer
	q    *bus.Queue[model.Trade]
	wait time.Duration

	started atomic.Bool
	wg      sync.WaitGroup
	lost    atomic.Uint64
	failed  atomic.Uint64
}

// OpenJournal opens the trade journal at path. queueSize bounds trades waiting to be written.
func OpenJournal(path string, queueSize int) (*Journal, error) {
	if queueSize <= 0 {
		queueSize = defaultJournalQueue
	}
	w, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	return &Journal{
		w:    w,
		q:    bus.NewQueue[model.Trade](queueSize),
		wait: defaultAppendWait,
	}, nil
}

// Append queues t for writing. It waits briefly when the queue is full and
// counts the trade as lost after that.
func (j *Journal) Append(t model.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), j.wait)
	defer cancel()
	if err := j.q.Publish(ctx, t); err != nil {
		j.lost.Add(1)
		logs.Errorf("journal: trade %d of %s not journaled, err: %+v", t.Seq, t.AgentID, err)
	}
}

// Start runs the writer loop until Close.
func (j *Journal) Start(ctx context.Context) error {
	if !j.started.CompareAndSwap(false, true) {
		return ErrJournalStarted
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.q.Run(ctx, j.write)
	}()
	return nil
}

func (j *Journal) write(t model.Trade) {
	if err := j.w.Write(t); err != nil {
		j.failed.Add(1)
		logs.Errorf("journal: write trade %d, err: %+v", t.Seq, err)
	}
}

// Close stops accepting trades, writes the queued ones and closes the file.
func (j *Journal) Close() error {
	j.q.Close()
	if j.started.Load() {
		j.wg.Wait()
	} else {
		j.q.Run(context.Background(), j.write)
	}
	return j.w.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.w.Path()
}

// Lost returns how many trades could not be queued or written.
func (j *Journal) Lost() uint64 {
	return j.lost.Load() + j.failed.Load()
}

// ReadTrades calls fn for every journaled trade in file order.
func ReadTrades(path string, fn func(model.Trade) error) error {
	return journal.Scan(path, fn)
}
