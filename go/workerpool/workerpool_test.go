package workerpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsAllScheduledWork(t *testing.T) {
	p := New(3)
	count := 0
	mtx := sync.Mutex{}
	for i := 0; i < 5; i++ {
		p.Go(func() {
			mtx.Lock()
			defer mtx.Unlock()
			count++
		})
	}
	p.Wait()
	assert.Equal(t, 5, count)
}

func TestWorkerPool_PanicsAfterWait(t *testing.T) {
	p := New(3)
	p.Go(func() {})
	p.Wait()

	assert.Panics(t, func() {
		p.Go(func() {})
	})
	assert.Panics(t, func() {
		p.Wait()
	})
}

func TestWorkerPool_NeverExceedsConcurrencyLimit(t *testing.T) {
	const limit = 2
	p := New(limit)
	var mtx sync.Mutex
	inFlight, maxSeen := 0, 0
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		p.Go(func() {
			<-start
			mtx.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mtx.Unlock()
			mtx.Lock()
			inFlight--
			mtx.Unlock()
		})
	}
	close(start)
	p.Wait()
	assert.LessOrEqual(t, maxSeen, limit)
}
