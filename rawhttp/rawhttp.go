// Package rawhttp converts HTTP messages to and from their raw wire form so
// they can be persisted in the local store and replayed later.
package rawhttp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"

	"github.com/gabriel-vasile/mimetype"
)

// DumpResponse takes a *http.Response, dumps the raw response and resets the body so it can be consumed
func DumpResponse(res *http.Response) (rawDump []byte, err error) {
	responseDump, err := httputil.DumpResponse(res, false)
	if err != nil {
		return []byte{}, fmt.Errorf("dumping response : %w", err)
	}

	bodyBytes := []byte{}
	if res.Body != nil {
		bodyBytes, err = io.ReadAll(res.Body)
		if err != nil {
			return []byte{}, fmt.Errorf("reading response body: %w", err)
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	return append(responseDump, bodyBytes...), nil
}

// DumpRequest takes a *http.Request, dumps the raw request and resets the body so it can be consumed
func DumpRequest(req *http.Request) (rawDump []byte, err error) {
	requestDump, err := httputil.DumpRequest(req, false)
	if err != nil {
		return []byte{}, fmt.Errorf("dumping request : %w", err)
	}

	bodyBytes := []byte{}
	if req.Body != nil {
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return []byte{}, fmt.Errorf("reading request body: %w", err)
		}
	}
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	return append(requestDump, bodyBytes...), nil
}

// ContentType returns the media type of a body. The declared header wins, the body is sniffed otherwise.
func ContentType(header http.Header, body []byte) string {
	if declared := header.Get("Content-Type"); declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			return mediaType
		}
	}
	if len(body) == 0 {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(mimetype.Detect(body).String())
	return mediaType
}

// RecalculateContentLength takes a raw request / response and updates the content-length to match the body length.
// Only the header block has its line endings normalized, the body is kept byte for byte.
func RecalculateContentLength(raw []byte) (updated []byte, err error) {
	var headers, body []byte
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		headers, body = raw[:i], raw[i+4:]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		headers, body = raw[:i], raw[i+2:]
	} else {
		return []byte{}, fmt.Errorf("malformed message : %q", raw)
	}

	headers = bytes.ReplaceAll(headers, []byte("\r\n"), []byte("\n"))
	headerLines := bytes.Split(headers, []byte("\n"))
	newHeaders := make([][]byte, 0, len(headerLines)+1)
	for _, line := range headerLines {
		if !bytes.HasPrefix(bytes.ToLower(line), []byte("content-length:")) {
			newHeaders = append(newHeaders, line)
		}
	}
	if len(body) > 0 {
		newHeaders = append(newHeaders, []byte(fmt.Sprintf("Content-Length: %d", len(body))))
	}

	updated = bytes.Join(newHeaders, []byte("\r\n"))
	updated = append(updated, []byte("\r\n\r\n")...)
	updated = append(updated, body...)
	return updated, nil
}

// RebuildRequest creates a new client *http.Request from a raw request slice, bound to ctx and sent over scheme
func RebuildRequest(ctx context.Context, raw []byte, scheme string) (req *http.Request, err error) {
	updated, err := RecalculateContentLength(raw)
	if err != nil {
		return nil, fmt.Errorf("recalculating content length : %w", err)
	}
	req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(updated)))
	if err != nil {
		return nil, fmt.Errorf("reading raw request %s : %w", raw, err)
	}
	req = req.WithContext(ctx)
	req.URL.Host = req.Host
	req.URL.Scheme = scheme
	// Server side field, http.Client refuses requests that carry it.
	req.RequestURI = ""
	return req, nil
}

// RebuildResponse creates a new *http.Response from a raw response slice
func RebuildResponse(raw []byte, req *http.Request) (res *http.Response, err error) {
	updated, err := RecalculateContentLength(raw)
	if err != nil {
		return nil, fmt.Errorf("recalculating content length : %w", err)
	}
	res, err = http.ReadResponse(bufio.NewReader(bytes.NewReader(updated)), req)
	if err != nil {
		return nil, fmt.Errorf("reading raw response %s : %w", raw, err)
	}
	return res, nil
}
