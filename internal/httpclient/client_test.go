package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alxayo/go-srt-live/internal/errors"
)

func TestSimpleGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	c := New()
	var gotBody []byte
	var gotStatus int
	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) {
			if err == nil {
				gotStatus = resp.StatusCode
				gotBody = resp.Body()
			}
			close(done)
		},
	})
	<-done

	if gotStatus != 200 {
		t.Fatalf("expected 200, got %d", gotStatus)
	}
	if string(gotBody) != "hello world" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestChunkedResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("part1"))
		flusher.Flush()
		w.Write([]byte("part2"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := New()
	var chunks [][]byte
	var final []byte
	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseBody: func(chunk []byte) {
			chunks = append(chunks, append([]byte(nil), chunk...))
		},
		OnResponseCompleted: func(resp *Response, err error) {
			if err == nil {
				final = resp.Body()
			}
			close(done)
		},
	})
	<-done

	if string(final) != "part1part2" {
		t.Fatalf("unexpected assembled body: %q", final)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one OnResponseBody callback")
	}
}

func TestRedirectRewritesToGetOn302(t *testing.T) {
	var sawMethod string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
		w.Write([]byte("landed"))
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer origin.Close()

	c := New()
	c.SetMethod("POST")
	c.SetBody([]byte("payload"))

	var redirectSeen bool
	done := make(chan struct{})
	c.SendRequest(context.Background(), origin.URL, Callbacks{
		OnRedirect: func(location string, temporary bool) bool {
			redirectSeen = true
			return true
		},
		OnResponseCompleted: func(resp *Response, err error) { close(done) },
	})
	<-done

	if !redirectSeen {
		t.Fatalf("expected OnRedirect to fire")
	}
	if sawMethod != "GET" {
		t.Fatalf("expected 302 to rewrite method to GET, got %s", sawMethod)
	}
}

func TestRedirectPreservesMethodOn307(t *testing.T) {
	var sawMethod string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	}))
	defer origin.Close()

	c := New()
	c.SetMethod("POST")
	c.SetBody([]byte("payload"))

	done := make(chan struct{})
	c.SendRequest(context.Background(), origin.URL, Callbacks{
		OnRedirect:          func(location string, temporary bool) bool { return true },
		OnResponseCompleted: func(resp *Response, err error) { close(done) },
	})
	<-done

	if sawMethod != "POST" {
		t.Fatalf("expected 307 to preserve POST, got %s", sawMethod)
	}
}

func TestTooManyRedirectsFails(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/next", http.StatusFound)
	}))
	defer srv.Close()

	c := New()
	var gotErr error
	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnRedirect:          func(location string, temporary bool) bool { return true },
		OnResponseCompleted: func(resp *Response, err error) { gotErr = err; close(done) },
	})
	<-done

	if !errors.IsTooManyRedirects(gotErr) {
		t.Fatalf("expected TooManyRedirects, got %v", gotErr)
	}
}

func TestHeaderTimeoutFires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New()
	c.SetHeaderTimeout(20 * time.Millisecond)
	var gotErr error
	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) { gotErr = err; close(done) },
	})
	<-done

	if !errors.IsTimeout(gotErr) {
		t.Fatalf("expected a timeout error, got %v", gotErr)
	}
}

func TestBodyTimeoutZeroDisablesBodyDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("part1"))
		flusher.Flush()
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte("part2"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := New()
	c.SetBodyTimeout(0)
	var gotErr error
	var final []byte
	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) {
			gotErr = err
			if err == nil {
				final = resp.Body()
			}
			close(done)
		},
	})
	<-done

	if gotErr != nil {
		t.Fatalf("expected body timeout disabled (0) to never time out, got %v", gotErr)
	}
	if string(final) != "part1part2" {
		t.Fatalf("unexpected assembled body: %q", final)
	}
}

func TestCookieJarRoundTrip(t *testing.T) {
	var sawCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil {
			sawCookie = c.Value
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123", Path: "/"})
	}))
	defer srv.Close()

	jar := NewMemoryJar()
	c := New()
	c.SetCookieJar(jar)

	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) { close(done) },
	})
	<-done

	done2 := make(chan struct{})
	c2 := New()
	c2.SetCookieJar(jar)
	c2.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) { close(done2) },
	})
	<-done2

	if sawCookie != "abc123" {
		t.Fatalf("expected jar to replay cookie, got %q", sawCookie)
	}
}

func TestAllowResendRequestAfterPersistentConnReset(t *testing.T) {
	var n int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		fmt.Fprintf(w, "resp-%d", n)
	}))
	defer srv.Close()

	c := New()
	c.SetAllowResendRequest(true)
	done := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			close(done)
		},
	})
	<-done

	// Drop the kept-alive connection server-side; the next request on the
	// same client must be resent once on a fresh connection.
	srv.CloseClientConnections()
	var gotBody string
	done2 := make(chan struct{})
	c.SendRequest(context.Background(), srv.URL, Callbacks{
		OnResponseCompleted: func(resp *Response, err error) {
			if err != nil {
				t.Errorf("unexpected error after reset: %v", err)
			} else {
				gotBody = string(resp.Body())
			}
			close(done2)
		},
	})
	<-done2
	if gotBody != "resp-2" {
		t.Fatalf("expected resent request to reach the server, got body %q", gotBody)
	}
}
