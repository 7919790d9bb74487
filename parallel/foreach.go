// Package parallel contains bounded fan-out helpers for batch runs.
package parallel

import "sync"

// ForEach executes a for loop with a limited number of concurrent goroutines.
// Each goroutine processes one integer, from 0 to length.
func ForEach(length, limit int, body func(i int)) {
	ForEachSlot(length, limit, func(_, i int) { body(i) })
}

// ForEachSlot is ForEach that also tells body which of the limit slots it
// runs in. A slot is held by one goroutine at a time, so per-slot resources
// (a backend session, a scratch buffer) need no locking.
func ForEachSlot(length, limit int, body func(slot, i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}

	free := make(chan int, limit)
	for s := 0; s < limit; s++ {
		free <- s
	}
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		i := i
		slot := <-free
		go func() {
			defer wg.Done()
			defer func() { free <- slot }()

			body(slot, i)
		}()
	}

	wg.Wait()
}
