package handler

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// bodyReader is an io.Reader, which is intended to wrap the request
// body reader. If an error occurs during reading the request body, it
// will not return this error to the reading entity, but instead store
// the error and close the io.Reader, so that the error can be checked
// afterwards. This is helpful, so that the stores do not have to handle
// the error but this can instead be done in the handler.
// In addition, the bodyReader keeps track of how many bytes were read.
type bodyReader struct {
	// bytesCounter is the first field to ensure that it's properly aligned,
	// otherwise we run into alignment issues on some 32-bit builds.
	// See https://pkg.go.dev/sync/atomic#pkg-note-BUG
	bytesCounter int64
	reader       io.ReadCloser

	// lock protects concurrent access to err.
	lock sync.RWMutex
	err  error
}

func newBodyReader(c *httpContext, maxSize int64) *bodyReader {
	return &bodyReader{
		reader: http.MaxBytesReader(c.res, c.req.Body, maxSize),
	}
}

func (r *bodyReader) Read(b []byte) (int, error) {
	r.lock.RLock()
	hasErrored := r.err != nil
	r.lock.RUnlock()
	if hasErrored {
		return 0, io.EOF
	}

	n, err := r.reader.Read(b)
	atomic.AddInt64(&r.bytesCounter, int64(n))
	if err != nil {
		// io.EOF means that the request body was fully read and does not
		// represent an error.
		if err == io.EOF {
			return n, io.EOF
		}

		// http.ErrBodyReadAfterClose means that the bodyReader closed the
		// request body because the server shuts down or the request got
		// interrupted. In this case, closeWithError already set r.err and we
		// must not overwrite it.
		if err == http.ErrBodyReadAfterClose {
			return n, io.EOF
		}

		// All of the following errors can be understood as the input stream
		// ending too soon:
		// - io.ErrClosedPipe is returned in the package's unit test with io.Pipe()
		// - io.ErrUnexpectedEOF means that the client aborted the request.
		if err == io.ErrClosedPipe || err == io.ErrUnexpectedEOF {
			err = ErrUnexpectedEOF
		}

		// Connection resets are not dropped silently, but responded to the
		// client. We change the error because otherwise the message would
		// contain the local address, which is unnecessary to be included in
		// the response.
		if strings.HasSuffix(err.Error(), "read: connection reset by peer") {
			err = ErrConnectionReset
		}

		// For timeouts, we also send a nicer response to the clients.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			err = ErrReadTimeout
		}

		// MaxBytesError is returned from http.MaxBytesReader, which we use to
		// limit the request body size.
		maxBytesErr := &http.MaxBytesError{}
		if errors.As(err, &maxBytesErr) {
			err = ErrSizeExceeded
		}

		// Other errors are stored for retrieval with hasError, but are not
		// returned to the consumer. We do not overwrite an error if it has
		// been set already.
		r.lock.Lock()
		if r.err == nil {
			r.err = err
		}
		r.lock.Unlock()
	}

	return n, nil
}

func (r *bodyReader) hasError() error {
	r.lock.RLock()
	err := r.err
	r.lock.RUnlock()

	if err == io.EOF {
		return nil
	}

	return err
}

func (r *bodyReader) bytesRead() int64 {
	return atomic.LoadInt64(&r.bytesCounter)
}

func (r *bodyReader) closeWithError(err error) {
	r.lock.Lock()
	r.err = err
	r.lock.Unlock()

	r.reader.Close()
}
