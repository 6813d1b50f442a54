// Package static serves files from a web root over a minimal HTTP/1.1
// exchange: one request line in, a status line and the raw file bytes
// out, then the connection closes.
package static

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"chatrelay/util"
)

const (
	StatusOK       = "HTTP/1.1 200 OK\r\n\r\n"
	StatusNotFound = "HTTP/1.1 404 File Not Found\r\n\r\n"

	// NotFoundPage is served, relative to the root, with every 404.
	NotFoundPage = "404.html"
	// IndexPage stands in for a request of "/".
	IndexPage = "index.html"
)

// ErrBadRequest is returned for a request line that is not
// "<method> <uri> <proto>".
var ErrBadRequest = errors.New("malformed request line")

// Request is a parsed request line.
type Request struct {
	Method string
	URI    string
	Proto  string
}

// ParseRequestLine splits a request line such as
// "Get /index.html HTTP/1.1".
func ParseRequestLine(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[1], "/") {
		return nil, fmt.Errorf("%w: %q", ErrBadRequest, line)
	}
	return &Request{Method: fields[0], URI: fields[1], Proto: fields[2]}, nil
}

// ParseRequest reads the request line from r.  Headers, if any, are
// left unread.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return ParseRequestLine(strings.TrimRight(line, "\r\n"))
}

// Responder maps request URIs to files under Root.
type Responder struct {
	Root string
}

// Resolve returns the file a URI refers to.  The URI is cleaned as an
// absolute path first, so no URI can name a file outside Root.
func (s *Responder) Resolve(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	clean := path.Clean("/" + uri)
	if clean == "/" {
		clean = "/" + IndexPage
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean))
}

// Respond writes the response for req to w and returns the status code
// sent.  The method is matched case-insensitively; anything but GET is
// answered as not found.
func (s *Responder) Respond(w io.Writer, req *Request) (int, error) {
	if strings.EqualFold(req.Method, "GET") {
		f, err := openRegular(s.Resolve(req.URI))
		if err == nil {
			defer f.Close()
			if _, err := io.WriteString(w, StatusOK); err != nil {
				return 200, err
			}
			_, err = io.Copy(w, f)
			return 200, err
		}
	}

	if _, err := io.WriteString(w, StatusNotFound); err != nil {
		return 404, err
	}
	f, err := openRegular(filepath.Join(s.Root, NotFoundPage))
	if err != nil {
		return 404, nil // no error page configured
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return 404, err
}

func openRegular(name string) (*os.File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: not a regular file", name)
	}
	return f, nil
}

// Server accepts connections and answers one request on each.
type Server struct {
	Responder   *Responder
	Logger      *util.Logger
	ReadTimeout time.Duration // per request, default 10s
}

// Run listens on address and serves until ctx ends.
func (s *Server) Run(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve answers connections from ln until ctx ends.  It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log := s.logger()
	log.Info("serving %s on %s", s.Responder.Root, ln.Addr())

	// Shut the listener down when the context expires.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

func (s *Server) logger() *util.Logger {
	if s.Logger == nil {
		return util.NewLogger(0).Named("static")
	}
	return s.Logger.Named("static")
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	log := s.logger()

	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck

	req, err := ParseRequest(bufio.NewReader(conn))
	if err != nil {
		log.Verbose("%s: %v", conn.RemoteAddr(), err)
		return
	}
	code, err := s.Responder.Respond(conn, req)
	if err != nil && !util.IsHarmless(err) {
		log.Warn("%s %s: %v", req.Method, req.URI, err)
		return
	}
	log.Verbose("%s %s %d", req.Method, req.URI, code)
}
