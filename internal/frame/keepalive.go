package frame

import (
	"context"
	"time"
)

// StartKeepAlive runs the keep-alive scheduler for one open stream. While the
// stream is idle it writes a no-op frame every interval so intermediaries do
// not cut the connection. The first frame is written immediately: a client
// behind a buffering proxy must see bytes before the service produces its
// first real message.
//
// A zero or negative interval disables keep-alives entirely. The returned
// stop function cancels the scheduler; it must be called before the stream's
// response is released. Write failures end the scheduler quietly; the
// stream's own teardown handles the connection error.
func StartKeepAlive(ctx context.Context, enc Encoder, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := enc.WriteKeepAlive(); err != nil {
			return
		}
		seen := enc.Frames()

		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := enc.Frames(); n != seen {
					// Real traffic since the last tick; nothing to do.
					seen = n
					continue
				}
				if err := enc.WriteKeepAlive(); err != nil {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
