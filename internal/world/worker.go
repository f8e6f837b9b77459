package world

import "strata.dev/internal/chunk"

// genJob carries a chunk through asynchronous generation. Sending the job
// transfers ownership of the chunk to the worker; receiving it on the done
// channel transfers ownership back to the engine. No other goroutine touches
// the chunk in between, so generation needs no locking.
type genJob struct {
	pos chunk.Coord
	c   *chunk.Chunk
}

// startWorker runs the single generation goroutine. It exits when the jobs
// channel closes; the done channel is closed by Close once the worker has
// drained, so the shutdown path can range over it.
func (e *Engine) startWorker() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for job := range e.jobs {
			e.gen.Generate(job.c, job.pos)
			e.done <- job
		}
	}()
}
