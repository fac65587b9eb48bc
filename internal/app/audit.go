package app

import (
	"context"
	"time"

	"tickerwire/internal/eventbus"
	"tickerwire/internal/store"
	"tickerwire/pkg/logx"
)

// startAudit subscribes to run lifecycle events and persists a summary
// row per run. Best-effort: a failed audit write never touches delivery
// state.
func (a *App) startAudit() func() {
	events, unsub := a.bus.Subscribe(64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range events {
			rec, ok := runRecordFor(ev)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := a.store.AppendRun(ctx, rec); err != nil {
				a.log.Warn("audit write failed", logx.String("source", rec.SourceID), logx.Err(err))
			}
			cancel()
		}
	}()

	return func() {
		unsub()
		<-done
	}
}

func runRecordFor(ev eventbus.Event) (store.RunRecord, bool) {
	run, ok := ev.Data.(eventbus.RunEvent)
	if !ok {
		return store.RunRecord{}, false
	}
	rec := store.RunRecord{
		SourceID:  run.SourceID,
		StartedAt: run.StartedAt,
		Duration:  run.Duration,
		Sent:      run.Sent,
		Failed:    run.Failed,
	}
	switch ev.Type {
	case eventbus.RunFinished:
	case eventbus.RunFailed:
		if run.Err != nil {
			rec.Error = run.Err.Error()
		}
	case eventbus.RunSkipped:
		rec.Skipped = true
		rec.StartedAt = ev.Time
	default:
		return store.RunRecord{}, false
	}
	return rec, true
}
