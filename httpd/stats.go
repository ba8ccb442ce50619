package httpd

import "sync/atomic"

// Stats is a point-in-time snapshot of the server's counters. Values
// are read atomically but not as one transaction, so related fields
// can be momentarily out of step.
type Stats struct {
	Accepted    int64
	Served      int64
	ActiveConns int

	Workers     int
	BusyWorkers int
	IdleWorkers int
	QueueDepth  int

	TLSHandshakeFailures int64

	// BytesRead and BytesWritten cover closed connections only;
	// in-flight traffic lands here when its connection ends.
	BytesRead    int64
	BytesWritten int64
}

func (s *Server) Stats() Stats {
	st := Stats{
		Accepted:             atomic.LoadInt64(&s.accepted),
		Served:               atomic.LoadInt64(&s.served),
		ActiveConns:          int(atomic.LoadInt32(&s.active)),
		TLSHandshakeFailures: atomic.LoadInt64(&s.tlsFailures),
		BytesRead:            atomic.LoadInt64(&s.bytesIn),
		BytesWritten:         atomic.LoadInt64(&s.bytesOut),
	}
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool != nil {
		st.Workers, st.BusyWorkers, st.QueueDepth = pool.snapshot()
		st.IdleWorkers = st.Workers - st.BusyWorkers
	}
	return st
}
