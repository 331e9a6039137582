package pool

import "fmt"

// Stats holds the per-worker counters spec.md §6's getstat command reports,
// merged across workers. Field names mirror the original's glb_pool_stats_t.
type Stats struct {
	RxBytes     uint64 // bytes read from clients
	TxBytes     uint64 // bytes written to clients
	RecvBytes   uint64
	NRecv       uint64
	SendBytes   uint64
	NSend       uint64
	ConnsOpened uint64
	ConnsClosed uint64
	NConns      int64
	PollReads   uint64
	PollWrites  uint64
	NPolls      uint64

	// Elapsed is the time since the previous getstat, in seconds, matching
	// glb_pool.c's "elapsed := glb_time_seconds(now - pool->last_stats)".
	Elapsed float64
}

// Add merges o's counters into s.
func (s *Stats) Add(o Stats) {
	s.RxBytes += o.RxBytes
	s.TxBytes += o.TxBytes
	s.RecvBytes += o.RecvBytes
	s.NRecv += o.NRecv
	s.SendBytes += o.SendBytes
	s.NSend += o.NSend
	s.ConnsOpened += o.ConnsOpened
	s.ConnsClosed += o.ConnsClosed
	s.NConns += o.NConns
	s.PollReads += o.PollReads
	s.PollWrites += o.PollWrites
	s.NPolls += o.NPolls
}

// String renders the one-line report getstat sends back to a control client.
func (s Stats) String() string {
	return fmt.Sprintf(
		"in: %d out: %d recv: %d / %d send: %d / %d conns: %d / %d poll: %d / %d / %d elapsed: %.3f",
		s.RxBytes, s.TxBytes,
		s.RecvBytes, s.NRecv,
		s.SendBytes, s.NSend,
		s.ConnsOpened, s.NConns,
		s.PollReads, s.PollWrites, s.NPolls,
		s.Elapsed,
	)
}
