package httpclient

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
)

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// setBodyDeadline arms conn's read deadline for the next body read.
// bodyTimeout <= 0 means disabled, matching completeTimeout's zero-value
// convention in runTransaction -- the zero Time clears any deadline
// rather than expiring it immediately.
func (c *Client) setBodyDeadline(conn net.Conn) {
	if c.bodyTimeout <= 0 {
		conn.SetDeadline(time.Time{})
		return
	}
	conn.SetDeadline(time.Now().Add(c.bodyTimeout))
}

// writeRequest serializes the request line, headers, and body onto conn.
// Bodies of known length use Content-Length; unknown-length bodies are
// sent chunked (spec.md §4.2 item 2's "chunked decoding" implies the
// client must also be able to produce chunked bodies against proxies
// that require it).
func (c *Client) writeRequest(conn net.Conn, u *url.URL, method string, body BodySource) error {
	bw := bufio.NewWriter(conn)

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", method, path)

	hdr := textproto.MIMEHeader{}
	for k, v := range c.headers {
		hdr[k] = append([]string(nil), v...)
	}
	if hdr.Get("Host") == "" {
		hdr.Set("Host", u.Host)
	}
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", "go-srt-live-httpclient/1.0")
	}

	if c.jar != nil {
		if cookies := c.jar.CookiesFor(u.Hostname(), u.Path); len(cookies) > 0 {
			hdr.Set("Cookie", strings.Join(cookies, "; "))
		}
	}

	var chunked bool
	if body != nil {
		if n := body.Len(); n >= 0 {
			hdr.Set("Content-Length", strconv.FormatInt(n, 10))
		} else {
			hdr.Set("Transfer-Encoding", "chunked")
			chunked = true
		}
	}

	for k, vs := range hdr {
		for _, v := range vs {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	bw.WriteString("\r\n")

	if body != nil {
		for {
			chunk, err := body.Next()
			if len(chunk) > 0 {
				if chunked {
					fmt.Fprintf(bw, "%x\r\n", len(chunk))
					bw.Write(chunk)
					bw.WriteString("\r\n")
				} else {
					bw.Write(chunk)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
		}
		if chunked {
			bw.WriteString("0\r\n\r\n")
		}
	}

	return bw.Flush()
}

// readResponse parses the status line and headers, enforcing the header
// deadline already set on conn.
func (c *Client) readResponse(conn net.Conn, br *bufio.Reader, deadline time.Time) (*Response, error) {
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, srterrors.NewTimeout(srterrors.TimeoutHeader, time.Until(deadline), err)
		}
		return nil, srterrors.NewTransport("http.read_status", err)
	}

	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, srterrors.NewProtocol("http.status_line", fmt.Errorf("malformed status line: %q", statusLine))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, srterrors.NewProtocol("http.status_code", err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	mimeHdr, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, srterrors.NewTimeout(srterrors.TimeoutHeader, time.Until(deadline), err)
		}
		return nil, srterrors.NewProtocol("http.headers", err)
	}

	resp := &Response{
		StatusCode:    code,
		Reason:        reason,
		Header:        textproto.MIMEHeader(mimeHdr),
		bodyTotalSize: -1,
	}
	resp.Cookies = append(resp.Cookies, mimeHdr["Set-Cookie"]...)

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.bodyTotalSize = n
		}
	}

	return resp, nil
}

// readBody drains the response body per its framing (chunked,
// Content-Length, or read-until-close), enforcing the body timeout on
// each read and invoking cb.OnResponseBody per chunk.
func (c *Client) readBody(conn net.Conn, br *bufio.Reader, resp *Response, cb Callbacks) error {
	if noBodyStatus(resp.StatusCode) {
		return nil
	}

	c.setBodyDeadline(conn)

	if strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked") {
		return c.readChunkedBody(conn, br, resp, cb)
	}
	if resp.bodyTotalSize >= 0 {
		return c.readFixedBody(conn, br, resp, cb, resp.bodyTotalSize)
	}
	return c.readUntilCloseBody(conn, br, resp, cb)
}

func noBodyStatus(code int) bool {
	return code == 204 || code == 304 || (code >= 100 && code < 200)
}

func (c *Client) readFixedBody(conn net.Conn, br *bufio.Reader, resp *Response, cb Callbacks, total int64) error {
	var remaining = total
	buf := make([]byte, 32*1024)
	for remaining > 0 {
		c.setBodyDeadline(conn)
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := br.Read(buf[:n])
		if read > 0 {
			resp.body.Write(buf[:read])
			remaining -= int64(read)
			if cb.OnResponseBody != nil {
				cb.OnResponseBody(append([]byte(nil), buf[:read]...))
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return srterrors.NewTimeout(srterrors.TimeoutBody, c.bodyTimeout, err)
			}
			return srterrors.NewTransport("http.read_body", err)
		}
	}
	return nil
}

func (c *Client) readUntilCloseBody(conn net.Conn, br *bufio.Reader, resp *Response, cb Callbacks) error {
	buf := make([]byte, 32*1024)
	for {
		c.setBodyDeadline(conn)
		n, err := br.Read(buf)
		if n > 0 {
			resp.body.Write(buf[:n])
			if cb.OnResponseBody != nil {
				cb.OnResponseBody(append([]byte(nil), buf[:n]...))
			}
		}
		if err == io.EOF {
			resp.bodyTotalSize = int64(resp.body.Len())
			return nil
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return srterrors.NewTimeout(srterrors.TimeoutBody, c.bodyTimeout, err)
			}
			return srterrors.NewTransport("http.read_body", err)
		}
	}
}

func (c *Client) readChunkedBody(conn net.Conn, br *bufio.Reader, resp *Response, cb Callbacks) error {
	tp := textproto.NewReader(br)
	var total int64
	for {
		c.setBodyDeadline(conn)
		line, err := tp.ReadLine()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return srterrors.NewTimeout(srterrors.TimeoutBody, c.bodyTimeout, err)
			}
			return srterrors.NewProtocol("http.chunk_size", err)
		}
		if semi := strings.IndexByte(line, ';'); semi >= 0 {
			line = line[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return srterrors.NewProtocol("http.chunk_size", fmt.Errorf("invalid chunk size %q: %w", line, err))
		}
		if size == 0 {
			// trailer headers, discard
			for {
				l, err := tp.ReadLine()
				if err != nil || l == "" {
					break
				}
			}
			resp.bodyTotalSize = total
			return nil
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return srterrors.NewTimeout(srterrors.TimeoutBody, c.bodyTimeout, err)
			}
			return srterrors.NewProtocol("http.chunk_data", err)
		}
		resp.body.Write(chunk)
		total += size
		if cb.OnResponseBody != nil {
			cb.OnResponseBody(chunk)
		}

		// consume trailing CRLF after chunk data
		if _, err := tp.ReadLine(); err != nil {
			return srterrors.NewProtocol("http.chunk_crlf", err)
		}
	}
}
