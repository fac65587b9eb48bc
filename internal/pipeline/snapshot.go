package pipeline

import "time"

// JobInfo is the observable state of one job.
type JobInfo struct {
	SourceID            string
	Running             bool
	LastRun             time.Time
	LastError           string
	ConsecutiveFailures int
	TotalSent           int
	Next                time.Time
	Prev                time.Time
}

type Snapshot struct {
	Timezone string
	Jobs     []JobInfo
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	pending := make([]pendingJob, len(s.pending))
	copy(pending, s.pending)
	s.mu.Unlock()

	infos := make([]JobInfo, 0, len(pending))
	for _, p := range pending {
		id := p.job.Source.ID()
		st := s.jobs[id]

		st.mu.Lock()
		info := JobInfo{
			SourceID:            id,
			Running:             st.running,
			LastRun:             st.lastRun,
			LastError:           st.lastErr,
			ConsecutiveFailures: st.consecFailures,
			TotalSent:           st.totalSent,
		}
		entryID := st.entryID
		st.mu.Unlock()

		if c != nil && entryID != 0 {
			e := c.Entry(entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		infos = append(infos, info)
	}
	return Snapshot{Timezone: s.cfg.Location.String(), Jobs: infos}
}
