package ics

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeBody converts body to UTF-8 according to the charset parameter of
// contentType and drops a leading UTF-8 byte order mark.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	charset := charsetOf(contentType)
	switch charset {
	case "", "utf-8", "utf8", "us-ascii":
	default:
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, fmt.Errorf("unsupported charset %q", charset)
		}
		decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(body), enc.NewDecoder()))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", charset, err)
		}
		body = decoded
	}
	return bytes.TrimPrefix(body, utf8BOM), nil
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}
