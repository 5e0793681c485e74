package streamengine

import "io"

// Detach closes c on a background goroutine instead of blocking the caller,
// so a slow upstream teardown after a failed mirror attempt never blocks
// trying the next one.
func Detach(c io.Closer) {
	go func() {
		_ = c.Close()
	}()
}

// DetachDrain discards the remainder of r on a background goroutine, then
// closes c. Used when a mirror attempt is abandoned mid-stream: draining
// lets the connection be reused by the pool instead of being torn down.
func DetachDrain(r io.Reader, c io.Closer) {
	go func() {
		_, _ = io.Copy(io.Discard, r)
		_ = c.Close()
	}()
}
