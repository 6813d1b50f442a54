package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// BidirectionalCopy shuffles data between a network connection and a
// local reader/writer pair (stdin/stdout for the interactive client)
// until one side reaches EOF or the context is cancelled.
func BidirectionalCopy(ctx context.Context, conn net.Conn, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// network → writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := pooledCopy(w, conn)
		errCh <- err
		cancel()
	}()

	// reader → network
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := pooledCopy(conn, r)
		// Half-close so the relay sees EOF while we keep reading
		// whatever is still in flight.
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
		errCh <- err
		if err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	conn.Close() // unblock any pending reads/writes
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !IsHarmless(err) {
			return err
		}
	}
	return nil
}

// Bridge copies data both ways between two connections until either
// side closes or the context is cancelled.  It returns the byte count
// moved in each direction.
func Bridge(ctx context.Context, a, b net.Conn) (aToB, bToA int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		aToB, _ = pooledCopy(b, a)
		cancel()
	}()

	go func() {
		defer wg.Done()
		bToA, _ = pooledCopy(a, b)
		cancel()
	}()

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
	return aToB, bToA
}

// IsHarmless returns true for errors that are expected during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
