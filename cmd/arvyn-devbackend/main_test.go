package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"
)

func testDeps(ready func(string)) serveDeps {
	return serveDeps{
		listen:       net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
		ready:        ready,
	}
}

func TestRunMain_ServesUntilContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan int, 1)
	go func() {
		done <- runMain(ctx, []string{"--addr", "127.0.0.1:0", "--step-delay", "10ms"}, io.Discard, testDeps(func(addr string) { addrCh <- addr }))
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exitCode=%d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestRunMain_ListenFailure(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	deps := testDeps(nil)
	deps.listen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }
	if code := runMain(context.Background(), nil, &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !bytes.Contains(stderr.Bytes(), []byte("address in use")) {
		t.Fatalf("stderr=%q", stderr.String())
	}
}
