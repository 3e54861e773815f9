package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

// every index visited exactly once
func TestForEachVisitsAll(t *testing.T) {
	var visited [100]int32
	ForEach(len(visited), 4, func(i int) {
		atomic.AddInt32(&visited[i], 1)
	})
	for i, n := range visited {
		if n != 1 {
			t.Errorf("index %d visited %d times", i, n)
		}
	}
}

// concurrency stays under the limit
func TestForEachRespectsLimit(t *testing.T) {
	const limit = 3
	var inFlight, peak int32
	ForEach(50, limit, func(i int) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
	})
	if peak > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", peak, limit)
	}
}

func TestFirstErr(t *testing.T) {
	err := FirstErr(10, 2, func(i int) error {
		if i == 7 {
			return errors.New("boom")
		}
		return nil
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("want boom, got %v", err)
	}
	if err := FirstErr(10, 2, func(int) error { return nil }); err != nil {
		t.Errorf("want nil, got %v", err)
	}
}
