package relay

type fanoutJob struct {
	clients []string
	payload []byte
}

// Fanout pushes one payload to many connections through a small worker pool,
// so a session with many viewers never stalls the provider event pump.
type Fanout struct {
	reg  *ConnRegistry
	jobs chan fanoutJob
}

func NewFanout(reg *ConnRegistry, workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{reg: reg, jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, id := range job.clients {
					// SendTo silently skips detached transports
					f.reg.SendTo(id, job.payload)
				}
			}
		}()
	}
	return f
}

func (f *Fanout) Broadcast(clients []string, payload []byte) {
	if len(clients) == 0 || len(payload) == 0 {
		return
	}
	select {
	case f.jobs <- fanoutJob{clients: clients, payload: payload}:
	default:
		// queue full: drop, delivery is best-effort
	}
}
