package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/model"
)

// sicsScale answers the Mettler Toledo SICS "SI" command and nothing else.
func sicsScale(t *testing.T) (string, int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimSpace(line) == "SI" {
						_, _ = conn.Write([]byte("S S +0012.34 kg\r\n"))
					}
				}
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { _ = ln.Close() }
}

func TestDiscoverFindsMettlerToledo(t *testing.T) {
	host, port, stop := sicsScale(t)
	defer stop()

	d := NewDiscoverer(NewCatalog(), zap.NewNop())
	d.TemplateTimeout = time.Second

	tpl, err := d.Discover(context.Background(), host, port)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if tpl.ID != "mettler_toledo_sics" {
		t.Fatalf("expected mettler_toledo_sics, got %s", tpl.ID)
	}
}

func TestDiscoverNoMatch(t *testing.T) {
	// Silent listener: accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	d := NewDiscoverer(NewCatalog(), zap.NewNop())
	d.ValidationReadings = 2
	d.TemplateTimeout = 200 * time.Millisecond

	_, err = d.Discover(context.Background(), "127.0.0.1", addr.Port)
	if !errors.Is(err, model.ErrPatternNoMatch) {
		t.Fatalf("expected pattern_no_match, got %v", err)
	}
}

func TestDiscoverCancelled(t *testing.T) {
	host, port, stop := sicsScale(t)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDiscoverer(NewCatalog(), zap.NewNop())
	_, err := d.Discover(ctx, host, port)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}
