package transport

import (
	"bufio"
	"io"
	"net"
	"testing"
)

func TestTuneConnKeepsConnectionUsable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	tuneConn(conn, 8192, 8192)

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write after tuning: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Fatalf("echo after tuning = %q, %v", line, err)
	}
}

func TestTuneConnIgnoresNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	tuneConn(a, 4096, 4096) // must not panic on a non-TCP conn
}
