package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"warfront/client/internal/logging"
)

// RequestIDHeader tags every outgoing request so service logs can attribute
// retries and duplicates to one logical call.
const RequestIDHeader = "X-Request-ID"

const progressChunkBytes = 32 * 1024

// Result carries the outcome of one asynchronous HTTP request.
type Result struct {
	Success    bool
	StatusCode int
	Body       []byte
	Err        error
}

// Request describes one asynchronous HTTP call. OnComplete fires exactly once,
// on the main thread, during a Tick call - even on failure or timeout.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	Timeout    time.Duration
	OnComplete func(Result)
	OnProgress func(received, total int64)
}

type job struct {
	id  string
	req Request
}

// Client is a request multiplexer: a fixed worker pool executes HTTP calls off
// the main thread while completion callbacks are queued and drained only by
// Tick, preserving the single-threaded mutation model of the session layer.
type Client struct {
	httpClient     *http.Client
	logger         *logging.Logger
	defaultTimeout time.Duration

	jobs chan job
	wg   sync.WaitGroup

	mu        sync.Mutex
	completed []func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient starts the worker pool. The zero defaultTimeout falls back to 5s.
func NewClient(workers int, defaultTimeout time.Duration, logger *logging.Logger) *Client {
	if workers <= 0 {
		workers = 4
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	c := &Client{
		httpClient:     &http.Client{},
		logger:         logger,
		defaultTimeout: defaultTimeout,
		jobs:           make(chan job, 64),
		closed:         make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Do enqueues the request and returns its opaque request id.
func (c *Client) Do(req Request) string {
	if c == nil {
		return ""
	}
	id := uuid.NewString()
	select {
	case <-c.closed:
		//1.- Report shutdown through the normal completion path so callers never hang.
		c.enqueueCompletion(func() {
			if req.OnComplete != nil {
				req.OnComplete(Result{Err: context.Canceled})
			}
		})
	case c.jobs <- job{id: id, req: req}:
	}
	return id
}

// Tick drains queued completion callbacks on the calling goroutine.
func (c *Client) Tick() {
	if c == nil {
		return
	}
	c.mu.Lock()
	pending := c.completed
	c.completed = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Close stops the workers. Requests still in flight complete with an error on
// the next Tick.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.jobs)
	})
	c.wg.Wait()
}

func (c *Client) worker() {
	defer c.wg.Done()
	for item := range c.jobs {
		c.execute(item)
	}
}

func (c *Client) execute(item job) {
	req := item.req
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := c.roundTrip(ctx, item)

	c.enqueueCompletion(func() {
		if req.OnComplete != nil {
			req.OnComplete(result)
		}
	})
}

func (c *Client) roundTrip(ctx context.Context, item job) Result {
	req := item.req
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Result{Err: err}
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set(RequestIDHeader, item.id)
	logging.StampOutgoing(ctx, httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("http request failed",
			logging.String("method", req.Method),
			logging.String("url", req.URL),
			logging.Error(err))
		return Result{Err: err}
	}
	defer resp.Body.Close()

	payload, err := c.readBody(resp, req.OnProgress)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: err}
	}
	return Result{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       payload,
	}
}

func (c *Client) readBody(resp *http.Response, progress func(received, total int64)) ([]byte, error) {
	if progress == nil {
		return io.ReadAll(resp.Body)
	}
	//1.- Read in chunks so large downloads report progress through the main-thread queue.
	total := resp.ContentLength
	var buf bytes.Buffer
	chunk := make([]byte, progressChunkBytes)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			received := int64(buf.Len())
			c.enqueueCompletion(func() { progress(received, total) })
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) enqueueCompletion(fn func()) {
	c.mu.Lock()
	c.completed = append(c.completed, fn)
	c.mu.Unlock()
}
