package sandbox

import "context"

// maxBoxID bounds the isolate box id space.
const maxBoxID = 1000

// BoxPool hands out box ids from a fixed window of the isolate id space.
// Acquire blocks when every id is in use, which keeps parallel runs from
// colliding on a box instead of racing cleanup against init.
type BoxPool struct {
	ids chan int
}

// NewBoxPool creates a pool of size ids starting at base. Ids wrap within
// the isolate id space.
func NewBoxPool(base, size int) *BoxPool {
	if size < 1 {
		size = 1
	}
	if size > maxBoxID {
		size = maxBoxID
	}
	ids := make(chan int, size)
	for i := 0; i < size; i++ {
		ids <- (base + i) % maxBoxID
	}
	return &BoxPool{ids: ids}
}

// Acquire takes a box id, waiting until one is free.
func (p *BoxPool) Acquire(ctx context.Context) (int, error) {
	select {
	case id := <-p.ids:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release returns a box id to the pool.
func (p *BoxPool) Release(id int) {
	select {
	case p.ids <- id:
	default:
		// Double release; drop rather than block.
	}
}

// Size returns the pool capacity.
func (p *BoxPool) Size() int { return cap(p.ids) }
