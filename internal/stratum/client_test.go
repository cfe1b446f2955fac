package stratum

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dougchansan/sha3xd/internal/mining"
	"github.com/dougchansan/sha3xd/pkg/errors"
	"github.com/dougchansan/sha3xd/pkg/log"
	"github.com/dougchansan/sha3xd/pkg/retry"
)

// poolServer is an in-process stratum pool speaking over one side of a
// net.Pipe. It answers handshake and submit requests and can push
// notifications.
type poolServer struct {
	conn        net.Conn
	authorizeOK bool
	submitOK    bool
	submitErr   *Error

	mu      sync.Mutex
	submits int
}

func newPoolServer(conn net.Conn) *poolServer {
	return &poolServer{conn: conn, authorizeOK: true, submitOK: true}
}

func (p *poolServer) run() {
	scanner := bufio.NewScanner(p.conn)
	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			continue
		}

		switch msg.Method {
		case MethodSubscribe:
			p.reply(&Message{ID: msg.ID, Result: []any{"session1"}})
		case MethodAuthorize:
			if p.authorizeOK {
				p.reply(&Message{ID: msg.ID, Result: true})
			} else {
				p.reply(&Message{ID: msg.ID, Result: false, Error: &Error{
					Code: ErrorUnauthorized, Message: "unauthorized worker",
				}})
			}
		case MethodSubmit:
			p.mu.Lock()
			p.submits++
			p.mu.Unlock()
			p.reply(&Message{ID: msg.ID, Result: p.submitOK, Error: p.submitErr})
		case MethodPing:
			p.reply(&Message{ID: msg.ID, Result: true})
		}
	}
}

func (p *poolServer) reply(msg *Message) {
	data, err := MarshalMessage(msg)
	if err != nil {
		return
	}
	p.conn.Write(append(data, '\n'))
}

func (p *poolServer) notify(method string, params []any) {
	p.reply(&Message{Method: method, Params: params})
}

func (p *poolServer) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

func testConfig(dial func(ctx context.Context, endpoint string) (net.Conn, error)) Config {
	return Config{
		Endpoint:         "test:7039",
		Wallet:           "wallet123",
		Worker:           "rig0",
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      2 * time.Second,
		WriteTimeout:     2 * time.Second,
		SubmitTimeout:    2 * time.Second,
		Reconnect: &retry.Config{
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
			Multiplier: 2.0,
		},
		Dial: dial,
	}
}

func testLogger() *log.Logger {
	return log.New("sha3xd-test", "test", "error", "text")
}

// startClient connects a client to a fresh pool server pair
func startClient(t *testing.T) (*Client, *poolServer) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	pool := newPoolServer(serverConn)
	go pool.run()

	dial := func(_ context.Context, _ string) (net.Conn, error) {
		return clientConn, nil
	}

	client := NewClient(testConfig(dial), testLogger())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	t.Cleanup(func() {
		client.Disconnect()
		serverConn.Close()
	})

	return client, pool
}

// pingRoundTrip round-trips a ping so every line the server wrote before the
// ping reply is known to be processed
func pingRoundTrip(t *testing.T, c *Client) {
	t.Helper()
	id := c.nextID.Add(1)
	if _, err := c.call(context.Background(), id, NewPingRequest(id), 2*time.Second); err != nil {
		t.Fatalf("sync ping failed: %v", err)
	}
}

func TestClientConnectAndJobDelivery(t *testing.T) {
	client, pool := startClient(t)

	if !client.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	pool.notify(MethodSetDifficulty, []any{float64(2048)})
	pool.notify(MethodNotify, []any{"job1", "deadbeef"})

	select {
	case job := <-client.Jobs():
		if job.ID != "job1" {
			t.Errorf("job ID = %q, want job1", job.ID)
		}
		if job.Difficulty != 2048 {
			t.Errorf("job difficulty = %v, want 2048 from set_difficulty", job.Difficulty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no job delivered")
	}
}

func TestClientStaleJobSuperseded(t *testing.T) {
	client, pool := startClient(t)

	pool.notify(MethodNotify, []any{"job1", "aa", float64(1)})
	pool.notify(MethodNotify, []any{"job2", "bb", float64(1)})
	pingRoundTrip(t, client)

	select {
	case job := <-client.Jobs():
		if job.ID != "job2" {
			t.Errorf("delivered job = %q, want job2 (job1 should be superseded)", job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no job delivered")
	}
}

func TestClientAuthorizationRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	pool := newPoolServer(serverConn)
	pool.authorizeOK = false
	go pool.run()

	dial := func(_ context.Context, _ string) (net.Conn, error) {
		return clientConn, nil
	}

	client := NewClient(testConfig(dial), testLogger())
	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() succeeded with rejected authorization")
	}

	if !errors.IsType(err, errors.ErrorTypeAuth) {
		t.Errorf("error type = %v, want auth", err)
	}
	if errors.IsRetryable(err) {
		t.Error("auth rejection must not be retryable")
	}
	if client.Connected() {
		t.Error("Connected() = true after failed handshake")
	}
}

func TestClientEmptyWalletIsAuthError(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Wallet = ""

	client := NewClient(cfg, testLogger())
	err := client.Connect(context.Background())
	if !errors.IsType(err, errors.ErrorTypeAuth) {
		t.Errorf("Connect() error = %v, want auth error for empty wallet", err)
	}
}

func TestClientSubmitShare(t *testing.T) {
	client, pool := startClient(t)

	job := mining.NewJob("job1", []byte{0xde, 0xad}, 1, false)
	cand := mining.NewShareCandidate(job, 42, job.HashNonce(42), 0)

	result, err := client.SubmitShare(context.Background(), cand)
	if err != nil {
		t.Fatalf("SubmitShare() error = %v", err)
	}
	if !result.Accepted {
		t.Errorf("result.Accepted = false, want true")
	}
	if result.ShareID != cand.ID {
		t.Errorf("result.ShareID = %q, want %q", result.ShareID, cand.ID)
	}
	if got := pool.submitCount(); got != 1 {
		t.Errorf("pool saw %d submits, want 1", got)
	}
}

func TestClientSubmitIdempotent(t *testing.T) {
	client, pool := startClient(t)

	job := mining.NewJob("job1", []byte{0x01}, 1, false)
	cand := mining.NewShareCandidate(job, 7, job.HashNonce(7), 0)

	first, err := client.SubmitShare(context.Background(), cand)
	if err != nil {
		t.Fatalf("first SubmitShare() error = %v", err)
	}

	second, err := client.SubmitShare(context.Background(), cand)
	if err != nil {
		t.Fatalf("second SubmitShare() error = %v", err)
	}

	if first != second {
		t.Error("re-submission did not return the cached result")
	}
	if got := pool.submitCount(); got != 1 {
		t.Errorf("pool saw %d submits, want 1 (duplicate must not hit the wire)", got)
	}
}

func TestClientSubmitRejected(t *testing.T) {
	client, pool := startClient(t)
	pool.submitOK = false
	pool.submitErr = &Error{Code: ErrorLowDifficulty, Message: "low difficulty share"}

	job := mining.NewJob("job1", []byte{0x02}, 1, false)
	cand := mining.NewShareCandidate(job, 9, job.HashNonce(9), 0)

	result, err := client.SubmitShare(context.Background(), cand)
	if err != nil {
		t.Fatalf("SubmitShare() error = %v", err)
	}
	if result.Accepted {
		t.Error("result.Accepted = true, want false")
	}
	if result.Reason != "low difficulty share" {
		t.Errorf("result.Reason = %q, want pool's message", result.Reason)
	}
}

func TestClientReconnectEmitsEvents(t *testing.T) {
	firstClient, firstServer := net.Pipe()
	secondClient, secondServer := net.Pipe()
	defer secondServer.Close()

	pool1 := newPoolServer(firstServer)
	go pool1.run()
	pool2 := newPoolServer(secondServer)
	go pool2.run()

	conns := make(chan net.Conn, 2)
	conns <- firstClient
	conns <- secondClient

	dial := func(_ context.Context, _ string) (net.Conn, error) {
		return <-conns, nil
	}

	client := NewClient(testConfig(dial), testLogger())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()

	// Kill the first transport; the client should retry and handshake on
	// the second
	firstServer.Close()

	want := []mining.SessionEvent{mining.SessionDisconnected, mining.SessionReconnected}
	for _, expected := range want {
		select {
		case ev := <-client.Events():
			if ev != expected {
				t.Fatalf("event = %v, want %v", ev, expected)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %v event", expected)
		}
	}

	if !client.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}

// An authorization rejection during reconnect is terminal: the client must
// emit an auth-failed event instead of silently giving up.
func TestClientReconnectAuthFailure(t *testing.T) {
	firstClient, firstServer := net.Pipe()
	secondClient, secondServer := net.Pipe()
	defer secondServer.Close()

	pool1 := newPoolServer(firstServer)
	go pool1.run()
	pool2 := newPoolServer(secondServer)
	pool2.authorizeOK = false
	go pool2.run()

	conns := make(chan net.Conn, 2)
	conns <- firstClient
	conns <- secondClient

	dial := func(_ context.Context, _ string) (net.Conn, error) {
		return <-conns, nil
	}

	client := NewClient(testConfig(dial), testLogger())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()

	// Kill the first transport; the retry handshake is rejected by pool2
	firstServer.Close()

	want := []mining.SessionEvent{mining.SessionDisconnected, mining.SessionAuthFailed}
	for _, expected := range want {
		select {
		case ev := <-client.Events():
			if ev != expected {
				t.Fatalf("event = %v, want %v", ev, expected)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %v event", expected)
		}
	}

	if client.Connected() {
		t.Error("Connected() = true after terminal auth failure")
	}
}
