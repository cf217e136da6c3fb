package leafsync

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/leafymarket/leafsync/backend"
	"github.com/leafymarket/leafsync/rawhttp"
)

const (
	// ClientHeader identifies requests sent through the caching transport.
	ClientHeader = "X-Leafsync-Client"
	// ClientName is the value of ClientHeader.
	ClientName = "leafsync/1"
)

// RequestModifierFunc is a signature for HTTP request modifiers, it takes in the request and *Transport
type RequestModifierFunc func(transport *Transport, req *http.Request) error

// ResponseModifierFunc is a signature for HTTP response modifiers, it takes in the response and *Transport
type ResponseModifierFunc func(transport *Transport, res *http.Response) error

// reqAdapter adapts the `RequestModifierFunc` and implements the `martian.RequestModifier` interface.
type reqAdapter struct {
	transport *Transport
	modifier  RequestModifierFunc
}

// ModifyRequest implements the `martian.RequestModifier` interface and allows the modifier to access the *Transport
func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.transport, req)
}

// resAdapter adapts the `ResponseModifierFunc` and implements the `martian.ResponseModifier` interface.
type resAdapter struct {
	transport *Transport
	modifier  ResponseModifierFunc
}

// ModifyResponse implements the `martian.ResponseModifier` interface and allows the modifier to access the *Transport
func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.transport, res)
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// ClientHeaderModifier sets the client identification header.
func ClientHeaderModifier(transport *Transport, req *http.Request) error {
	req.Header.Set(ClientHeader, ClientName)
	return nil
}

// IdempotencyModifier stamps writes that carry no idempotency key with a new one.
// The key is part of the raw request stored in the queue, so a replay reuses it.
func IdempotencyModifier(transport *Transport, req *http.Request) error {
	if !isWrite(req.Method) || req.Header.Get(backend.IdempotencyHeader) != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating idempotency key : %w", err)
	}
	req.Header.Set(backend.IdempotencyHeader, id.String())
	return nil
}

// CompressedResponseModifier decompresses the response bodies and replaces the `res.Body`
// with the decompressed data. It will remove the "Content-Encoding" header and update the "Content-Length" to the new length.
// Currently the modifier handles gzip and br compressed bodies.
func CompressedResponseModifier(transport *Transport, res *http.Response) error {
	if res.Header.Get("Content-Encoding") == "" || res.Body == nil || res.ContentLength == 0 {
		return nil
	}

	var reader io.Reader
	switch res.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(res.Body)
		if err != nil {
			return fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "br":
		reader = brotli.NewReader(res.Body)
	default:
		return nil
	}
	defer res.Body.Close()

	decompressedBody, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading %s content : %w", res.Header.Get("Content-Encoding"), err)
	}

	res.Body = io.NopCloser(bytes.NewReader(decompressedBody))
	res.ContentLength = int64(len(decompressedBody))
	res.Header.Set("Content-Length", fmt.Sprintf("%d", len(decompressedBody)))
	res.Header.Del("Content-Encoding")
	return nil
}

// ContentTypeModifier sets a sniffed "Content-Type" on responses that do not declare one.
func ContentTypeModifier(transport *Transport, res *http.Response) error {
	if res.Header.Get("Content-Type") != "" || res.Body == nil || res.ContentLength == 0 {
		return nil
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading body : %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	if contentType := rawhttp.ContentType(res.Header, body); contentType != "" {
		res.Header.Set("Content-Type", contentType)
	}
	return nil
}
