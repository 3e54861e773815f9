// Package parallel provides the bounded-concurrency helpers behind the
// batch producer's read+transform fan-out.
package parallel

import "sync"

// ForEach executes a for loop with a limited number of concurrent goroutines.
// Each goroutine processes one integer, from 0 to length.
func ForEach(length, limit int, body func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	if length <= 0 {
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{} // acquire
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }() // release

			body(i)
		}(i)
	}

	wg.Wait()
}

// FirstErr runs body like ForEach and reports the first error any iteration
// produced. All iterations run to completion either way.
func FirstErr(length, limit int, body func(i int) error) error {
	var once sync.Once
	var first error
	ForEach(length, limit, func(i int) {
		if err := body(i); err != nil {
			once.Do(func() { first = err })
		}
	})
	return first
}
