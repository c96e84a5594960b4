package rawheaders

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	LastModified    = "Last-Modified"
	IfModifiedSince = "If-Modified-Since"
	ContentType     = "Content-Type"
	ContentLength   = "Content-Length"
	Location        = "Location"
)

var crlf = []byte("\r\n")

// Serialize converts a header to the raw block stored alongside a payload,
// i.e. "Name: value\r\n" lines terminated by an empty line.
// Hop-by-hop and transfer related fields are dropped since the stored body
// is always complete and unencoded.
func Serialize(header http.Header) string {
	buf := &bytes.Buffer{}
	header.WriteSubset(buf, map[string]bool{
		"Connection":        true,
		"Keep-Alive":        true,
		"Transfer-Encoding": true,
		"Content-Encoding":  true,
		"Set-Cookie":        true,
	})
	buf.Write(crlf)
	return buf.String()
}

// Parse converts a raw header block back to an http.Header.
// A missing trailing empty line is tolerated.
func Parse(raw string) (http.Header, error) {
	if !strings.HasSuffix(raw, "\r\n\r\n") {
		raw = strings.TrimRight(raw, "\r\n") + "\r\n\r\n"
	}
	reader := textproto.NewReader(bufio.NewReader(strings.NewReader(raw)))
	mime, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("Could not parse headers: %w", err)
	}
	return http.Header(mime), nil
}

// Get returns a single header value from a raw header block.
// It returns false if the block cannot be parsed or the header is absent.
func Get(raw, name string) (string, bool) {
	header, err := Parse(raw)
	if err != nil {
		return "", false
	}
	values := header.Values(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// This section is from the HTTP specification (RFC9110).
//
// HttpDate parses the three date formats allowed for fields like Last-Modified.
func HttpDate(dateStr string) (time.Time, error) {
	if date, err := imfDate(dateStr); err == nil {
		return date, err
	} else {
		// try to parse as obsolete date
		if date, err := obsDate(dateStr); err == nil {
			return date, err
		}
		// return original error if unsuccessful
		return date, err
	}
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

func imfDate(dateStr string) (time.Time, error) {
	date, err := time.Parse(imfDateLayout, strings.TrimSpace(dateStr))
	if err != nil {
		return date, err
	}
	if date.Location().String() != "GMT" && date.Location().String() != "UTC" {
		return date, fmt.Errorf("Date %s is not in GMT time, but %s", date, date.Location())
	}
	return date, err
}

func obsDate(dateStr string) (time.Time, error) {
	str := strings.TrimSpace(dateStr)
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date, err
	}
	return time.Parse(time.ANSIC, str)
}

// StatusLine builds an HTTP/1.1 status line for a status code.
func StatusLine(statusCode int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", statusCode, http.StatusText(statusCode))
}
