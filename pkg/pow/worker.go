package pow

import (
	"context"

	"go.uber.org/zap"
)

type Request struct {
	Payload    []byte
	Difficulty int
}

// Update is either a progress report (Attempts only) or the final outcome
// (Result or Err set). The final update is always the last one before the
// channel is closed.
type Update struct {
	Attempts uint64
	Result   *Result
	Err      error
}

func (u Update) Final() bool { return u.Result != nil || u.Err != nil }

// Worker runs mining off the caller's goroutine, at most parallel at a time.
type Worker struct {
	sem chan struct{}
	log *zap.Logger
}

func NewWorker(parallel int, log *zap.Logger) *Worker {
	if parallel < 1 {
		parallel = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{sem: make(chan struct{}, parallel), log: log}
}

// Submit starts mining req. Progress updates are dropped while the reader is
// behind; the final update is always delivered. The returned channel is
// closed after it.
func (w *Worker) Submit(ctx context.Context, req Request) <-chan Update {
	ch := make(chan Update, 4)
	go func() {
		defer close(ch)

		select {
		case w.sem <- struct{}{}:
			defer func() { <-w.sem }()
		case <-ctx.Done():
			ch <- Update{Err: ctx.Err()}
			return
		}

		// progress never takes the last slot, so the final send cannot block
		res, err := Mine(ctx, req.Payload, req.Difficulty, func(n uint64) {
			if len(ch) < cap(ch)-1 {
				ch <- Update{Attempts: n}
			}
		})

		final := Update{Err: err}
		if err == nil {
			final = Update{Attempts: res.Attempts, Result: &res}
			w.log.Debug("pow_mined", zap.Int("difficulty", req.Difficulty), zap.Uint64("attempts", res.Attempts))
		} else {
			w.log.Debug("pow_aborted", zap.Error(err))
		}
		ch <- final
	}()
	return ch
}
