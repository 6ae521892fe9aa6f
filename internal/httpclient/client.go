// Package httpclient implements the stateful outbound HTTP/1.1
// transaction described in spec.md §4.2: header/body/whole-transaction
// timeouts, chunked decoding, redirects with method rewrite, proxy
// CONNECT tunneling, and persistent-connection reuse with a single
// transparent resend. The teacher has no outbound HTTP client; this is
// built from stdlib net/bufio/net/textproto primitives in the same
// lock/timer idiom the rest of the teacher's I/O code uses (a single
// goroutine owns the transaction from sendRequest to completion,
// callbacks fire in order, never after on_response_completed).
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
)

// Default timeouts per spec.md §6.
const (
	DefaultHeaderTimeout   = 10 * time.Second
	DefaultBodyTimeout     = 5 * time.Second
	DefaultCompleteTimeout = 0 // disabled
)

const maxRedirects = 5

// State mirrors spec.md §3's HTTP Client State tagged variant.
type State uint8

const (
	Idle State = iota
	Connecting
	ProxyHandshaking
	SendingRequest
	AwaitingHeader
	AwaitingBody
	Completed
	Failed
)

// BodySource is a pull interface yielding byte chunks for a request
// body whose total length may or may not be known up front.
type BodySource interface {
	// Next returns the next chunk; io.EOF signals completion.
	Next() ([]byte, error)
	// Len returns the total body length, or -1 if unknown (forces
	// chunked transfer encoding).
	Len() int64
}

// bytesBody is the common case: a fully-buffered in-memory body.
type bytesBody struct {
	data []byte
	read bool
}

func (b *bytesBody) Next() ([]byte, error) {
	if b.read {
		return nil, io.EOF
	}
	b.read = true
	return b.data, nil
}
func (b *bytesBody) Len() int64 { return int64(len(b.data)) }

// Response is the decoded HTTP response, valid once the header has
// arrived (status/header fields) or after completion (body fields).
type Response struct {
	StatusCode int
	Reason     string
	Header     textproto.MIMEHeader
	Cookies    []string // raw Set-Cookie values, accumulated in order

	body             bytes.Buffer
	bodyTotalSize    int64 // -1 until known (chunked/until-close)
}

// Body returns the bytes received so far (or the full body once Completed).
func (r *Response) Body() []byte { return r.body.Bytes() }

// BodySize returns the number of body bytes received so far.
func (r *Response) BodySize() int { return r.body.Len() }

// BodyTotalSize returns the declared total size, or -1 if not yet known
// (chunked transfer or read-until-close framing).
func (r *Response) BodyTotalSize() int64 { return r.bodyTotalSize }

// Callbacks the client invokes during a transaction. All are optional;
// a transaction is not obligated to wait for a caller to set them
// before sendRequest, since authors configure a Client fully before
// issuing any transaction (teacher idiom: configure-then-run).
type Callbacks struct {
	OnResponseHeader    func(*Response)
	OnResponseBody      func(chunk []byte)
	OnResponseCompleted func(resp *Response, err error)
	// OnRedirect decides whether to follow a 3xx response. continue_=true
	// follows it (with method rewrite per spec.md §4.2 item 4); temporary
	// is true for 302/303/307.
	OnRedirect func(location string, temporary bool) (continue_ bool)
}

// CookieJar is the external collaborator that stores/retrieves cookies
// by host+path scope (spec.md §4.2 item 5).
type CookieJar interface {
	SetCookies(host string, setCookieValues []string)
	CookiesFor(host, path string) []string
}

// Client runs one HTTP/1.1 transaction at a time; callers construct a
// new Client (or reuse one across sendRequest calls to exploit
// connection reuse) per logical outbound destination.
type Client struct {
	method  string
	headers textproto.MIMEHeader
	body    BodySource
	force   map[string]bool // per spec's set_header force flag

	proxyURL            *url.URL
	allowResendRequest  bool
	headerTimeout       time.Duration
	bodyTimeout         time.Duration
	completeTimeout     time.Duration

	jar CookieJar

	mu          sync.Mutex
	state       State
	conn        net.Conn
	connOrigin  string // host:port this conn is open to
	persistent  bool
	resp        *Response
	redirects   int
}

// New constructs a Client with default timeouts and method GET.
func New() *Client {
	return &Client{
		method:          "GET",
		headers:         textproto.MIMEHeader{},
		force:           map[string]bool{},
		headerTimeout:   DefaultHeaderTimeout,
		bodyTimeout:     DefaultBodyTimeout,
		completeTimeout: DefaultCompleteTimeout,
		state:           Idle,
	}
}

func (c *Client) SetMethod(method string) { c.method = strings.ToUpper(method) }

// SetHeader sets or appends a header. force=true replaces any existing
// values and marks the key as forced; force=false appends, unless the key
// was forced by an earlier call, in which case it replaces as well.
func (c *Client) SetHeader(key, value string, force bool) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	if force || c.force[key] {
		c.headers.Set(key, value)
		c.force[key] = true
		return
	}
	c.headers.Add(key, value)
}

func (c *Client) SetBody(body []byte) { c.body = &bytesBody{data: body} }
func (c *Client) SetBodySource(src BodySource) { c.body = src }

func (c *Client) SetProxyURL(raw string) error {
	if raw == "" {
		c.proxyURL = nil
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return srterrors.NewProtocol("parse.proxy_url", err)
	}
	c.proxyURL = u
	return nil
}

func (c *Client) SetAllowResendRequest(allow bool) { c.allowResendRequest = allow }
func (c *Client) SetHeaderTimeout(d time.Duration)  { c.headerTimeout = d }
func (c *Client) SetBodyTimeout(d time.Duration)    { c.bodyTimeout = d }
func (c *Client) SetCompleteTimeout(d time.Duration) { c.completeTimeout = d }
func (c *Client) SetCookieJar(jar CookieJar)         { c.jar = jar }

// Response returns the most recently completed/in-flight response.
func (c *Client) Response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// State returns the current transaction state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendRequest initiates a transaction to rawurl, invoking cb's callbacks
// as the transaction progresses. Blocks until completion or error;
// callers run it on their own goroutine/reactor.
func (c *Client) SendRequest(ctx context.Context, rawurl string, cb Callbacks) {
	c.redirects = 0
	c.runTransaction(ctx, rawurl, c.method, c.body, cb)
}

func (c *Client) runTransaction(ctx context.Context, rawurl, method string, body BodySource, cb Callbacks) {
	var completeTimer *time.Timer
	if c.completeTimeout > 0 {
		completeTimer = time.NewTimer(c.completeTimeout)
		defer completeTimer.Stop()
		go func() {
			<-completeTimer.C
			// best-effort: closing the connection unblocks any in-flight read
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.mu.Unlock()
		}()
	}

	resp, err := c.doOnce(ctx, rawurl, method, body, cb, true)
	if err != nil {
		c.finish(nil, err, cb)
		return
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if c.handleRedirect(ctx, rawurl, resp, cb) {
			return
		}
	}
	c.finish(resp, nil, cb)
}

func (c *Client) finish(resp *Response, err error, cb Callbacks) {
	if err != nil {
		c.setState(Failed)
	} else {
		c.setState(Completed)
	}
	c.mu.Lock()
	c.resp = resp
	c.mu.Unlock()
	if cb.OnResponseCompleted != nil {
		cb.OnResponseCompleted(resp, err)
	}
}

// handleRedirect applies spec.md §4.2 item 4: invoke on_redirect, and if
// told to continue, issue the follow-up request with method rewrite.
// Returns true if it took over completion (either by following or by
// reporting TooManyRedirects).
func (c *Client) handleRedirect(ctx context.Context, origURL string, resp *Response, cb Callbacks) bool {
	location := resp.Header.Get("Location")
	if location == "" || cb.OnRedirect == nil {
		return false
	}
	temporary := resp.StatusCode == 302 || resp.StatusCode == 303 || resp.StatusCode == 307
	if !cb.OnRedirect(location, temporary) {
		return false
	}

	c.redirects++
	if c.redirects > maxRedirects {
		c.finish(nil, srterrors.NewTooManyRedirects(maxRedirects), cb)
		return true
	}

	next, err := url.Parse(location)
	if err != nil {
		c.finish(nil, srterrors.NewProtocol("parse.redirect_location", err), cb)
		return true
	}
	base, _ := url.Parse(origURL)
	resolved := base.ResolveReference(next)

	method, body := c.method, c.body
	switch resp.StatusCode {
	case 301, 302, 303:
		method = "GET"
		body = nil
	case 307, 308:
		// preserve method and body; the first send drained the body,
		// so replay it from the start
		if bb, ok := body.(*bytesBody); ok {
			body = &bytesBody{data: bb.data}
		}
	}

	r, err := c.doOnce(ctx, resolved.String(), method, body, cb, false)
	if err != nil {
		c.finish(nil, err, cb)
		return true
	}
	if r.StatusCode >= 300 && r.StatusCode < 400 {
		if c.handleRedirect(ctx, resolved.String(), r, cb) {
			return true
		}
	}
	c.finish(r, nil, cb)
	return true
}

// doOnce performs exactly one HTTP transaction attempt (no redirect
// following), including the allow_resend_request transparent retry.
func (c *Client) doOnce(ctx context.Context, rawurl, method string, body BodySource, cb Callbacks, allowResend bool) (*Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, srterrors.NewProtocol("parse.url", err)
	}

	resp, err := c.attempt(ctx, u, method, body, cb, false)
	if err == nil {
		return resp, nil
	}
	if allowResend && c.allowResendRequest && isPreResponseFailure(err) {
		resp, err2 := c.attempt(ctx, u, method, body, cb, true)
		if err2 == nil {
			return resp, nil
		}
		return nil, err2
	}
	return nil, err
}

type preResponseError struct{ err error }

func (p preResponseError) Error() string { return p.err.Error() }
func (p preResponseError) Unwrap() error { return p.err }

func isPreResponseFailure(err error) bool {
	_, ok := err.(preResponseError)
	return ok
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

// attempt opens (or reuses) a connection, sends the request, and
// decodes the response. forceFresh bypasses connection reuse for the
// resend-once path.
func (c *Client) attempt(ctx context.Context, u *url.URL, method string, body BodySource, cb Callbacks, forceFresh bool) (*Response, error) {
	origin := hostPort(u)

	c.mu.Lock()
	reuse := !forceFresh && c.conn != nil && c.persistent && c.connOrigin == origin
	c.mu.Unlock()

	var conn net.Conn
	var err error
	if reuse {
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	} else {
		c.setState(Connecting)
		conn, err = c.dial(ctx, u)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.conn = conn
		c.connOrigin = origin
		c.mu.Unlock()
	}

	headerDeadline := time.Now().Add(c.headerTimeout)
	conn.SetDeadline(headerDeadline)

	c.setState(SendingRequest)
	if err := c.writeRequest(conn, u, method, body); err != nil {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if reuse {
			return nil, preResponseError{err}
		}
		return nil, srterrors.NewTransport("http.write", err)
	}

	c.setState(AwaitingHeader)
	br := bufio.NewReader(conn)
	resp, err := c.readResponse(conn, br, headerDeadline)
	if err != nil {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if te, ok := err.(*srterrors.TransportError); ok && reuse && te.Op == "http.read_status" {
			return nil, preResponseError{err}
		}
		return nil, err
	}

	if cb.OnResponseHeader != nil {
		cb.OnResponseHeader(resp)
	}
	if c.jar != nil && len(resp.Cookies) > 0 {
		c.jar.SetCookies(u.Hostname(), resp.Cookies)
	}

	c.setState(AwaitingBody)
	if err := c.readBody(conn, br, resp, cb); err != nil {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return nil, err
	}

	persistent := !strings.EqualFold(resp.Header.Get("Connection"), "close")
	c.mu.Lock()
	c.persistent = persistent
	if !persistent {
		conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	conn.SetDeadline(time.Time{})
	return resp, nil
}

func (c *Client) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	var d net.Dialer
	if c.proxyURL == nil {
		conn, err := d.DialContext(ctx, "tcp", hostPort(u))
		if err != nil {
			return nil, srterrors.NewTransport("tcp.dial", err)
		}
		return conn, nil
	}

	c.setState(ProxyHandshaking)
	conn, err := d.DialContext(ctx, "tcp", hostPort(c.proxyURL))
	if err != nil {
		return nil, srterrors.NewTransport("proxy.dial", err)
	}
	if err := connectTunnel(conn, u, c.proxyURL); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectTunnel issues an HTTP CONNECT to establish a tunnel through a
// configured proxy (spec.md §4.2: "perform an HTTP CONNECT tunnel").
func connectTunnel(conn net.Conn, target, proxy *url.URL) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", hostPort(target), hostPort(target))
	if proxy.User != nil {
		pw, _ := proxy.User.Password()
		auth := basicAuth(proxy.User.Username(), pw)
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return srterrors.NewTransport("proxy.connect.write", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return srterrors.NewTransport("proxy.connect.read", err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 || parts[1][0] != '2' {
		return srterrors.NewProtocol("proxy.connect.status", fmt.Errorf("unexpected status: %s", statusLine))
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return srterrors.NewTransport("proxy.connect.read_headers", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return nil
}
