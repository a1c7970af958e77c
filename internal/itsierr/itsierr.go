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

// Package itsierr holds the server's error taxonomy (abstract kinds, not
// concrete type names), built on the carried errors.CodeError mechanism the
// same way certificates/error.go registers its own code range.
package itsierr

import "github.com/itsi-go/server/errors"

const (
	// InvalidInput covers malformed binds, unknown schemes, unparsable
	// options - fails startup loudly.
	InvalidInput errors.CodeError = iota + errors.MinPkgBind

	// UnsupportedProtocol is an unrecognized bind scheme.
	UnsupportedProtocol

	// ClientClosed is the peer terminating mid-exchange; connection is
	// closed silently and logged at debug.
	ClientClosed

	// PayloadTooLarge maps to HTTP 413.
	PayloadTooLarge

	// Unauthorized maps to HTTP 401.
	Unauthorized

	// Forbidden maps to HTTP 403.
	Forbidden

	// RateLimited maps to HTTP 429.
	RateLimited

	// GatewayTimeout maps to HTTP 502/504 from the proxy layer and
	// upstream timeouts.
	GatewayTimeout

	// Internal is an unhandled error in any hook; maps to HTTP 500.
	Internal
)

var isCodeError = false

// IsCodeError reports whether this package's codes were registered
// exactly once (guards against duplicate init in a pathological build).
func IsCodeError() bool {
	return isCodeError
}

func init() {
	isCodeError = errors.ExistInMapMessage(InvalidInput)
	errors.RegisterIdFctMessage(InvalidInput, getMessage)
}

func getMessage(code errors.CodeError) (message string) {
	switch code {
	case InvalidInput:
		return "invalid input"
	case UnsupportedProtocol:
		return "unsupported protocol"
	case ClientClosed:
		return "client closed connection"
	case PayloadTooLarge:
		return "payload too large"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case RateLimited:
		return "rate limited"
	case GatewayTimeout:
		return "gateway timeout"
	case Internal:
		return "internal error"
	}

	return ""
}

// HTTPStatus maps a taxonomy code to the HTTP status the pipeline's
// error-response layer should emit. Codes with no HTTP mapping (InvalidInput,
// UnsupportedProtocol, ClientClosed) return 0 - they are not user-facing.
func HTTPStatus(code errors.CodeError) int {
	switch code {
	case PayloadTooLarge:
		return 413
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case RateLimited:
		return 429
	case GatewayTimeout:
		return 504
	case Internal:
		return 500
	default:
		return 0
	}
}
