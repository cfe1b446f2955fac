package stratum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougchansan/sha3xd/internal/mining"
	"github.com/dougchansan/sha3xd/pkg/errors"
	"github.com/dougchansan/sha3xd/pkg/log"
	"github.com/dougchansan/sha3xd/pkg/retry"
)

const (
	maxLineSize = 1024 * 1024
	userAgent   = "sha3xd"
)

// Config holds the pool endpoint, credentials, and session timing
type Config struct {
	Endpoint string
	Wallet   string
	Worker   string

	TLS             bool
	TLSInsecureSkip bool

	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SubmitTimeout     time.Duration
	KeepaliveInterval time.Duration

	// Reconnect is the backoff schedule used after a transport loss;
	// nil uses retry.ReconnectConfig
	Reconnect *retry.Config

	// Dial overrides the transport dialer, used by tests to point the
	// client at an in-process pool
	Dial func(ctx context.Context, endpoint string) (net.Conn, error)
}

// Client is a stratum pool session. It owns the TCP connection, performs the
// subscribe/authorize handshake, delivers jobs, and submits shares. Transport
// losses are handled internally with capped exponential backoff; the owner
// only sees Disconnected/Reconnected events.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	conn    net.Conn
	pending map[uint64]chan *Message

	writeMu sync.Mutex

	nextID    atomic.Uint64
	connected atomic.Bool
	diffBits  atomic.Uint64

	jobs   chan *mining.Job
	events chan mining.SessionEvent

	cacheMu     sync.Mutex
	submitCache map[string]*mining.ShareResult

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a pool session client. Connect must be called before use.
func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.ReconnectConfig()
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger.WithComponent("stratum"),
		pending:     make(map[uint64]chan *Message),
		jobs:        make(chan *mining.Job, 1),
		events:      make(chan mining.SessionEvent, 8),
		submitCache: make(map[string]*mining.ShareResult),
		done:        make(chan struct{}),
	}
	c.diffBits.Store(math.Float64bits(1))
	return c
}

// username joins the wallet address and worker name into the stratum login
func (c *Client) username() string {
	if c.cfg.Worker == "" {
		return c.cfg.Wallet
	}
	return c.cfg.Wallet + "." + c.cfg.Worker
}

// Connect dials the pool and completes the handshake. Authorization rejection
// is terminal and never retried; transport errors surface to the caller here
// but are retried internally once the session is established.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Wallet == "" {
		return errors.New(errors.ErrorTypeAuth, "connect", "wallet address is empty")
	}

	// Re-arm after a previous Disconnect so the session can be restarted.
	// Safe: Disconnect waits for every session goroutine to exit.
	c.mu.Lock()
	select {
	case <-c.done:
		c.done = make(chan struct{})
		c.closeOnce = sync.Once{}
	default:
	}
	c.mu.Unlock()

	conn, scanner, err := c.dialAndHandshake(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.LogConnection("connected", c.cfg.Endpoint)

	c.wg.Add(1)
	go c.run(conn, scanner)

	return nil
}

// Jobs delivers pool jobs. A job superseded before pickup is dropped, so the
// consumer never starts stale work.
func (c *Client) Jobs() <-chan *mining.Job {
	return c.jobs
}

// Events reports connectivity transitions
func (c *Client) Events() <-chan mining.SessionEvent {
	return c.events
}

// Connected reports whether the transport is currently up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Disconnect closes the session. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		c.connected.Store(false)
	})
	c.wg.Wait()
	return nil
}

// SubmitShare performs one submission round trip. Re-submitting a candidate ID
// that already has a verdict returns the cached result without touching the
// wire, so retries can never double-count a share.
func (c *Client) SubmitShare(ctx context.Context, candidate *mining.ShareCandidate) (*mining.ShareResult, error) {
	c.cacheMu.Lock()
	if cached, ok := c.submitCache[candidate.ID]; ok {
		c.cacheMu.Unlock()
		return cached, nil
	}
	c.cacheMu.Unlock()

	if !c.connected.Load() {
		return nil, errors.New(errors.ErrorTypeNetwork, "submit_share", "pool session is down").
			WithContext("share_id", candidate.ID)
	}

	id := c.nextID.Add(1)
	req := NewSubmitRequest(id, c.username(), candidate.JobID,
		fmt.Sprintf("%016x", candidate.Nonce), hex.EncodeToString(candidate.Hash[:]))

	resp, err := c.call(ctx, id, req, c.cfg.SubmitTimeout)
	if err != nil {
		// No verdict reached the client; nothing is cached so a retry
		// after reconnect re-sends
		return nil, err
	}

	result := &mining.ShareResult{ShareID: candidate.ID, Accepted: true}
	if resp.Error != nil {
		result.Accepted = false
		result.Reason = resp.Error.Message
	} else if !resp.BoolResult() {
		result.Accepted = false
		result.Reason = "rejected by pool"
	}

	c.cacheMu.Lock()
	c.submitCache[candidate.ID] = result
	c.cacheMu.Unlock()

	return result, nil
}

// dialAndHandshake establishes a connection and runs subscribe + authorize on
// it. The returned scanner holds any bytes buffered during the handshake and
// must be the one the read loop continues with.
func (c *Client) dialAndHandshake(ctx context.Context) (net.Conn, *bufio.Scanner, error) {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, classifyTransportError(err, "connect", "dial failed")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	if err := c.handshake(ctx, conn, scanner); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, scanner, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx, c.cfg.Endpoint)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	if !c.cfg.TLS {
		return conn, nil
	}

	host, _, err := net.SplitHostPort(c.cfg.Endpoint)
	if err != nil {
		host = c.cfg.Endpoint
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: c.cfg.TLSInsecureSkip,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// handshake runs mining.subscribe then mining.authorize synchronously on a
// fresh connection, before the read loop owns the scanner. Notifications
// arriving mid-handshake are dispatched normally.
func (c *Client) handshake(ctx context.Context, conn net.Conn, scanner *bufio.Scanner) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if c.cfg.HandshakeTimeout <= 0 {
		deadline = time.Now().Add(30 * time.Second)
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	subID := c.nextID.Add(1)
	if err := c.send(conn, NewSubscribeRequest(subID, userAgent, "")); err != nil {
		return err
	}
	resp, err := c.awaitResponse(conn, scanner, subID, deadline)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.New(errors.ErrorTypeProtocol, "subscribe", resp.Error.Message).
			WithContext("code", resp.Error.Code)
	}

	authID := c.nextID.Add(1)
	if err := c.send(conn, NewAuthorizeRequest(authID, c.username(), "x")); err != nil {
		return err
	}
	resp, err = c.awaitResponse(conn, scanner, authID, deadline)
	if err != nil {
		return err
	}
	if resp.Error != nil || !resp.BoolResult() {
		reason := "authorization rejected"
		if resp.Error != nil {
			reason = resp.Error.Message
		}
		return errors.New(errors.ErrorTypeAuth, "authorize", reason).
			WithContext("username", c.username())
	}

	c.logger.Info("pool session authorized", "username", c.username())
	return nil
}

// awaitResponse reads lines until the response with the given id arrives.
// Notifications seen along the way are handled, not discarded.
func (c *Client) awaitResponse(conn net.Conn, scanner *bufio.Scanner, id uint64, deadline time.Time) (*Message, error) {
	for {
		conn.SetReadDeadline(deadline)
		if !scanner.Scan() {
			err := scanner.Err()
			if err == nil {
				err = fmt.Errorf("connection closed during handshake")
			}
			return nil, classifyTransportError(err, "handshake", "read failed")
		}

		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "handshake", "malformed message")
		}
		c.logger.LogStratumMessage("in", string(scanner.Bytes()))

		if msg.IsNotification() {
			c.handleNotification(msg)
			continue
		}

		if respID, ok := messageID(msg.ID); ok && respID == id {
			return msg, nil
		}
	}
}

// run owns the connection after the handshake: it pumps the read loop and,
// on transport loss, reconnects with capped exponential backoff until
// Disconnect is called.
func (c *Client) run(conn net.Conn, scanner *bufio.Scanner) {
	defer c.wg.Done()

	backoff := retry.NewBackoff(c.cfg.Reconnect)

	for {
		stopKeepalive := make(chan struct{})
		if c.cfg.KeepaliveInterval > 0 {
			c.wg.Add(1)
			go c.keepalive(stopKeepalive)
		}

		err := c.readLoop(conn, scanner)
		close(stopKeepalive)
		conn.Close()
		c.connected.Store(false)
		c.failPending()

		if c.closed() {
			return
		}

		c.logger.WithError(err).Warn("pool connection lost")
		c.logger.LogConnection("disconnected", c.cfg.Endpoint)
		c.emit(mining.SessionDisconnected)

		reconnected := false
		for !reconnected {
			delay := backoff.Next()
			c.logger.Info("reconnecting to pool",
				"endpoint", c.cfg.Endpoint,
				"attempt", backoff.Attempt(),
				"delay", delay.String(),
			)

			select {
			case <-c.done:
				return
			case <-time.After(delay):
			}

			newConn, newScanner, err := c.dialAndHandshake(context.Background())
			if err != nil {
				if errors.IsType(err, errors.ErrorTypeAuth) {
					// Credentials stopped working; retrying cannot help.
					// The terminal event must reach the consumer, so block
					// rather than drop it.
					c.logger.WithError(err).Error("authorization lost, giving up on reconnect")
					select {
					case c.events <- mining.SessionAuthFailed:
					case <-c.done:
					}
					return
				}
				c.logger.WithError(err).Warn("reconnect attempt failed")
				continue
			}

			conn, scanner = newConn, newScanner
			backoff.Reset()
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.connected.Store(true)
			c.logger.LogConnection("reconnected", c.cfg.Endpoint)
			c.emit(mining.SessionReconnected)
			reconnected = true
		}
	}
}

// readLoop pumps inbound messages until the transport fails or the session
// closes
func (c *Client) readLoop(conn net.Conn, scanner *bufio.Scanner) error {
	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return fmt.Errorf("connection closed by pool")
		}

		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed message")
			continue
		}
		c.logger.LogStratumMessage("in", string(scanner.Bytes()))

		switch {
		case msg.IsNotification():
			c.handleNotification(msg)
		case msg.IsResponse():
			c.resolvePending(msg)
		}
	}
}

func (c *Client) handleNotification(msg *Message) {
	switch msg.Method {
	case MethodNotify:
		notify, err := ParseJobNotify(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping bad job notification")
			return
		}

		header, err := hex.DecodeString(notify.HeaderTemplate)
		if err != nil {
			c.logger.WithError(err).Warn("dropping job with bad header template",
				"job_id", notify.JobID)
			return
		}

		difficulty := notify.Difficulty
		if difficulty <= 0 {
			difficulty = math.Float64frombits(c.diffBits.Load())
		}

		c.deliverJob(mining.NewJob(notify.JobID, header, difficulty, notify.CleanJobs))

	case MethodSetDifficulty:
		diff, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping bad set_difficulty")
			return
		}
		c.diffBits.Store(math.Float64bits(diff))
		c.logger.Info("pool difficulty changed", "difficulty", diff)

	default:
		c.logger.Debug("ignoring unknown notification", "method", msg.Method)
	}
}

// deliverJob hands the consumer a job without blocking, replacing a pending
// job that was never picked up. Arrival order is preserved for jobs that are
// actually delivered.
func (c *Client) deliverJob(job *mining.Job) {
	for {
		select {
		case c.jobs <- job:
			return
		default:
			select {
			case stale := <-c.jobs:
				c.logger.Debug("superseding undelivered job",
					"stale_job_id", stale.ID, "job_id", job.ID)
			default:
			}
		}
	}
}

// call sends a request and waits for its response, bounded by the timeout and
// the caller's context
func (c *Client) call(ctx context.Context, id uint64, req *Message, timeout time.Duration) (*Message, error) {
	ch := make(chan *Message, 1)

	c.mu.Lock()
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if conn == nil {
		unregister()
		return nil, errors.New(errors.ErrorTypeNetwork, req.Method, "no active connection")
	}

	if err := c.send(conn, req); err != nil {
		unregister()
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, errors.New(errors.ErrorTypeNetwork, req.Method,
				"connection lost before response")
		}
		return resp, nil
	case <-timer:
		unregister()
		return nil, errors.New(errors.ErrorTypeTimeout, req.Method, "response timed out").
			WithContext("timeout", timeout.String())
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	case <-c.done:
		unregister()
		return nil, errors.New(errors.ErrorTypeNetwork, req.Method, "session closed")
	}
}

func (c *Client) resolvePending(msg *Message) {
	id, ok := messageID(msg.ID)
	if !ok {
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if found {
		ch <- msg
	}
}

// failPending wakes every in-flight caller after a transport loss
func (c *Client) failPending() {
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) send(conn net.Conn, msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, msg.Method, "marshal failed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}

	c.logger.LogStratumMessage("out", string(data))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return classifyTransportError(err, msg.Method, "write failed")
	}
	return nil
}

// keepalive pings the pool so NAT mappings and idle timeouts never sever a
// quiet session. Failures are left to the read loop to notice.
func (c *Client) keepalive(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			id := c.nextID.Add(1)
			if _, err := c.call(context.Background(), id, NewPingRequest(id), c.cfg.WriteTimeout); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err.Error())
			}
		}
	}
}

func (c *Client) emit(ev mining.SessionEvent) {
	select {
	case c.events <- ev:
	default:
		// A slow consumer only misses intermediate transitions
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// classifyTransportError maps I/O errors onto the network/timeout taxonomy
func classifyTransportError(err error, operation, message string) *errors.ServiceError {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, operation, message)
	}
	return errors.Wrap(err, errors.ErrorTypeNetwork, operation, message)
}
