package relay

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// SpliceStats holds byte counters for a completed splice.
type SpliceStats struct {
	AToB int64 // bytes copied from a to b
	BToA int64 // bytes copied from b to a
}

// Splice copies data bidirectionally between two connections until one
// side closes, and returns once both directions have stopped. It is used
// by direct-splice CONNECT handling (§4.F) to join the client socket
// straight to the dialed target without involving the manager channel.
func Splice(a, b net.Conn) (SpliceStats, error) {
	var aToB, bToA atomic.Int64
	errc := make(chan error, 2)

	go func() {
		errc <- copyCount(b, a, &aToB)
	}()
	go func() {
		errc <- copyCount(a, b, &bToA)
	}()

	err := <-errc
	// Unblock the other direction's Read by forcing both sides to give up
	// their read deadlines.
	_ = a.SetReadDeadline(time.Now())
	_ = b.SetReadDeadline(time.Now())
	<-errc

	return SpliceStats{AToB: aToB.Load(), BToA: bToA.Load()}, err
}

func copyCount(dst io.Writer, src io.Reader, count *atomic.Int64) error {
	n, err := io.Copy(dst, src)
	count.Add(n)
	return err
}
