/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package middleware

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// GRPCHandler processes one gRPC call identified by service/method,
// consuming request frames and producing response frames until it closes
// out or returns (spec.md §4.4.13 "create a response-stream channel, and
// pass to the app; stream frames back until end-of-stream or shutdown").
//
// The middleware Layer contract carries one buffered request and one
// buffered response (spec.md §4.4, §3), not a full duplex stream; this
// handler is driven with the entire request body as a single framed
// message and its emitted frames are concatenated into the single
// buffered Response. A streaming transport sits below the acceptor
// (spec.md §4.6) for true server-streaming RPCs.
type GRPCHandler func(service, method string, in []byte, out chan<- []byte) error

// AppDispatcher is the terminal layer handing the request to the
// embedding application, in one of two modes (spec.md §4.4.13).
type AppDispatcher struct {
	Base

	// HTTP mode: requests are served by an embedded gin.Engine.
	HTTPHandler *gin.Engine

	// gRPC mode: requests are routed by path to GRPC.
	GRPC GRPCHandler
}

func (l *AppDispatcher) Name() string { return "app_dispatcher" }

func (l *AppDispatcher) Initialize() error { return l.Guard(func() error { return nil }) }

// splitServiceMethod extracts "service/method" from a gRPC-style path of
// the form "/service/method".
func splitServiceMethod(path string) (service, method string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (l *AppDispatcher) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	if l.GRPC != nil {
		if service, method, ok := splitServiceMethod(r.URL.Path); ok {
			return r, l.dispatchGRPC(r, service, method), nil
		}
	}

	if l.HTTPHandler != nil {
		return r, l.dispatchHTTP(r), nil
	}

	return r, NewResponse(http.StatusNotImplemented, nil), nil
}

func (l *AppDispatcher) dispatchHTTP(r *http.Request) *Response {
	rec := httptest.NewRecorder()
	l.HTTPHandler.ServeHTTP(rec, r)

	resp := NewResponse(rec.Code, rec.Body.Bytes())
	resp.Header = rec.Header().Clone()
	return resp
}

// grpcTypeURL identifies the opaque byte envelope carried inside each
// gRPC wire frame; there is no generated message type at this layer, so
// every frame's payload is wrapped in an anypb.Any the way a
// protobuf-agnostic gateway would.
const grpcTypeURL = "type.googleapis.com/itsi.grpc.Frame"

// grpcEnvelope wraps payload in a length-prefixed gRPC wire frame: one
// compression-flag byte (always 0, uncompressed), a 4-byte big-endian
// length, then an anypb.Any-encoded message.
func grpcEnvelope(payload []byte) []byte {
	msg, err := proto.Marshal(&anypb.Any{TypeUrl: grpcTypeURL, Value: payload})
	if err != nil {
		msg = payload
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[1:], uint32(len(msg)))
	return append(header, msg...)
}

// grpcUnenvelope reverses grpcEnvelope, tolerating a bare (non-enveloped)
// payload for callers that skip framing entirely.
func grpcUnenvelope(data []byte) []byte {
	if len(data) < 5 {
		return data
	}
	length := binary.BigEndian.Uint32(data[1:5])
	if int(length) > len(data)-5 {
		return data
	}
	var env anypb.Any
	if err := proto.Unmarshal(data[5:5+length], &env); err != nil {
		return data
	}
	return env.Value
}

func (l *AppDispatcher) dispatchGRPC(r *http.Request, service, method string) *Response {
	var rawIn []byte
	if r.Body != nil {
		rawIn, _ = io.ReadAll(r.Body)
	}
	in := grpcUnenvelope(rawIn)

	out := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.GRPC(service, method, in, out)
		close(out)
	}()

	var buf bytes.Buffer
	for frame := range out {
		buf.Write(grpcEnvelope(frame))
	}
	callErr := <-errCh

	resp := NewResponse(http.StatusOK, buf.Bytes())
	resp.Header.Set("Content-Type", "application/grpc")

	// gRPC-over-HTTP/2 carries its outcome as a trailer, not the HTTP
	// status line; mirror that wire convention with response headers
	// since this pipeline has no separate trailer channel.
	st, _ := status.FromError(callErr)
	resp.Header.Set("Grpc-Status", strconv.Itoa(int(st.Code())))
	if st.Code() != codes.OK {
		resp.Header.Set("Grpc-Message", st.Message())
	}
	return resp
}

func (l *AppDispatcher) After(resp *Response, ctx *Context) *Response { return resp }
