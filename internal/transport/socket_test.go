//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	relayerr "chatrelay/internal/errors"
)

func listen(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// acceptOne polls the non-blocking listener until a connection shows up.
func acceptOne(t *testing.T, l *Listener) *Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := l.Accept()
		if err == nil {
			t.Cleanup(func() { c.Close() })
			return c
		}
		if !relayerr.Is(err, relayerr.ErrWouldBlock) {
			t.Fatalf("Accept: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no connection accepted")
	return nil
}

// readSome polls ReadAvailable until it returns something other than
// ErrWouldBlock.
func readSome(t *testing.T, c *Conn, buf []byte) ([]byte, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := ReadAvailable(c, buf)
		if !relayerr.Is(err, relayerr.ErrWouldBlock) {
			return b, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("nothing readable")
	return nil, nil
}

func TestListen_EphemeralPort(t *testing.T) {
	l := listen(t)
	if l.Addr().Port == 0 {
		t.Fatal("expected a bound port")
	}
	if !l.Addr().IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("IP = %v", l.Addr().IP)
	}
}

func TestListen_BindErrors(t *testing.T) {
	l := listen(t)

	tests := []struct {
		name string
		host string
		port int
	}{
		{"port in use", "127.0.0.1", l.Addr().Port},
		{"port out of range", "127.0.0.1", 70000},
		{"ipv6 literal", "::1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l2, err := Listen(tt.host, tt.port)
			if err == nil {
				l2.Close()
				t.Fatal("expected bind error")
			}
			if relayerr.KindOf(err) != relayerr.KindBind {
				t.Errorf("kind = %v, want bind", relayerr.KindOf(err))
			}
			if !relayerr.IsFatal(err) {
				t.Error("bind errors must be fatal")
			}
		})
	}
}

func TestAccept_NothingPending(t *testing.T) {
	l := listen(t)
	if _, err := l.Accept(); !relayerr.Is(err, relayerr.ErrWouldBlock) {
		t.Fatalf("Accept = %v, want ErrWouldBlock", err)
	}
}

func TestAccept_CachesRemoteAddr(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	c := acceptOne(t, l)
	ra, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("RemoteAddr = %v", c.RemoteAddr())
	}
	if want := client.LocalAddr().(*net.TCPAddr).Port; ra.Port != want {
		t.Errorf("remote port = %d, want %d", ra.Port, want)
	}
}

func TestReadAvailable_DataThenEOF(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := acceptOne(t, l)

	buf := make([]byte, 1024)
	if _, err := ReadAvailable(c, buf); !relayerr.Is(err, relayerr.ErrWouldBlock) {
		t.Fatalf("empty read = %v, want ErrWouldBlock", err)
	}

	client.Write([]byte("hello")) //nolint:errcheck
	got, err := readSome(t, c, buf)
	if err != nil {
		t.Fatalf("ReadAvailable: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}

	client.Close()
	if _, err := readSome(t, c, buf); err != io.EOF {
		t.Fatalf("after close = %v, want io.EOF", err)
	}
}

func TestReadAvailable_FullBufferLeavesRemainder(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	c := acceptOne(t, l)

	client.Write([]byte("abcdefgh")) //nolint:errcheck
	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, 5)
	first, err := readSome(t, c, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "abcde" {
		t.Fatalf("first = %q", first)
	}
	second, err := readSome(t, c, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != "fgh" {
		t.Errorf("second = %q", second)
	}
}

func TestWriteAll(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	c := acceptOne(t, l)

	// Larger than a typical socket buffer, so WriteAll has to wait on
	// POLLOUT while the reader drains.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<18)
	done := make(chan []byte, 1)
	go func() {
		got, _ := io.ReadAll(io.LimitReader(client, int64(len(payload))))
		done <- got
	}()

	if err := WriteAll(c, payload, time.Second); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	select {
	case got := <-done:
		if !bytes.Equal(got, payload) {
			t.Fatalf("received %d bytes, want %d", len(got), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestWriteAll_Stalls(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	c := acceptOne(t, l)

	// Nobody reads on the client side.
	payload := make([]byte, 64<<20)
	err = WriteAll(c, payload, 100*time.Millisecond)
	if !relayerr.Is(err, relayerr.ErrWriteStalled) {
		t.Fatalf("WriteAll = %v, want ErrWriteStalled", err)
	}
	if relayerr.KindOf(err) != relayerr.KindWrite {
		t.Errorf("kind = %v, want write", relayerr.KindOf(err))
	}
}

func TestWriteAll_StallBoundsWholeCall(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	c := acceptOne(t, l)

	// A reader that trickles keeps making the socket writable, but the
	// call as a whole must still give up at the stall.
	done := make(chan struct{})
	defer close(done)
	go func() {
		buf := make([]byte, 4096)
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			client.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
			client.Read(buf) //nolint:errcheck
		}
	}()

	const stall = 200 * time.Millisecond
	start := time.Now()
	err = WriteAll(c, make([]byte, 64<<20), stall)
	elapsed := time.Since(start)
	if !relayerr.Is(err, relayerr.ErrWriteStalled) {
		t.Fatalf("WriteAll = %v, want ErrWriteStalled", err)
	}
	if elapsed > stall+time.Second {
		t.Errorf("WriteAll blocked %v, bound is %v", elapsed, stall)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	l := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	c := acceptOne(t, l)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
