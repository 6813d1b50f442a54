package session

import (
	"net"
	"testing"

	"chatrelay/util"
)

type addrOnly struct{ addr net.Addr }

func (a addrOnly) RemoteAddr() net.Addr { return a.addr }

func TestIdentify(t *testing.T) {
	var nilTCP *net.TCPAddr

	tests := []struct {
		name string
		peer Peer
		want string
	}{
		{"tcp port", addrOnly{&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}}, "client[5000]"},
		{"port zero", addrOnly{&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1)}}, "client[0]"},
		{"nil addr", addrOnly{nil}, "client[?]"},
		{"typed nil addr", addrOnly{nilTCP}, "client[?]"},
		{"nil peer", nil, "client[?]"},
		{"unix addr", addrOnly{&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}}, "client[?]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Identify(tt.peer); got != tt.want {
				t.Errorf("Identify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentify_Stable(t *testing.T) {
	p := addrOnly{&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6001}}
	if Identify(p) != Identify(p) {
		t.Fatal("Identify not stable")
	}
}

func TestSession_NameMatchesRelayView(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	server := <-accepted
	defer server.Close()

	s := New(conn, nil, nil, util.NewLogger(0))
	if got, want := s.Name(), Identify(server); got != want {
		t.Errorf("Name = %q, relay sees %q", got, want)
	}
}
