package httpmulti

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-asyncetcd/engine"
)

// maxHeadSize bounds the buffered response head.
const maxHeadSize = 16 * 1024

var (
	errHeadTooLarge = errors.New(`httpmulti: response head exceeds buffer size`)
	errBadStatus    = errors.New(`httpmulti: malformed status line`)
	errBadChunk     = errors.New(`httpmulti: malformed chunked encoding`)
)

// buildRequest serialises the request head and body for one hop.
func buildRequest(t *engine.Transfer, u *url.URL) []byte {
	var b bytes.Buffer
	b.WriteString(t.Method)
	b.WriteString(" ")
	b.WriteString(u.RequestURI())
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(u.Host)
	b.WriteString("\r\n")
	b.WriteString("Accept: application/json\r\n")
	if t.ForbidReuse {
		b.WriteString("Connection: close\r\n")
	}
	if len(t.Body) > 0 {
		b.WriteString("Content-Type: application/x-www-form-urlencoded\r\n")
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(t.Body)))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(t.Body)
	return b.Bytes()
}

// splitHead looks for the head terminator, returning the head (terminator
// excluded) and any bytes past it.
func splitHead(data []byte) (head, rest []byte, ok bool) {
	i := bytes.Index(data, []byte("\r\n\r\n"))
	if i == -1 {
		return nil, nil, false
	}
	return data[:i], data[i+4:], true
}

// parseHead decodes the status line and returns the status code plus the
// raw header lines.
func parseHead(head []byte) (int, []string, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return 0, nil, errBadStatus
	}
	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, nil, fmt.Errorf("%w: %q", errBadStatus, lines[0])
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 599 {
		return 0, nil, fmt.Errorf("%w: %q", errBadStatus, lines[0])
	}
	return status, lines[1:], nil
}

// headerField splits one header line into a lower-cased name and a trimmed
// value.
func headerField(line string) (name, value string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", ""
	}
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
}

func parseContentLength(value string) (int64, error) {
	return strconv.ParseInt(value, 10, 64)
}

// hasToken reports whether a comma-separated header value contains token.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// sockaddrFor converts a resolved TCP address into a connectable sockaddr
// and its socket family.
func sockaddrFor(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, &net.AddrError{Err: "unsupported address", Addr: addr.String()}
}

// chunkReader incrementally decodes a chunked transfer coding.
type chunkReader struct {
	buf       []byte
	remaining int64 // data bytes left in the current chunk
	inData    bool
	inCRLF    bool
	inTrailer bool
}

func (r *chunkReader) reset() {
	*r = chunkReader{}
}

// feed decodes as much of data as possible, emitting decoded body bytes.
// It reports completion once the terminating chunk and trailer are consumed.
func (r *chunkReader) feed(data []byte, emit func([]byte)) (bool, error) {
	r.buf = append(r.buf, data...)
	for {
		switch {
		case r.inData:
			if len(r.buf) == 0 {
				return false, nil
			}
			n := r.remaining
			if int64(len(r.buf)) < n {
				n = int64(len(r.buf))
			}
			emit(r.buf[:n])
			r.buf = r.buf[n:]
			r.remaining -= n
			if r.remaining == 0 {
				r.inData = false
				r.inCRLF = true
			}

		case r.inCRLF:
			if len(r.buf) < 2 {
				return false, nil
			}
			if r.buf[0] != '\r' || r.buf[1] != '\n' {
				return false, errBadChunk
			}
			r.buf = r.buf[2:]
			r.inCRLF = false

		case r.inTrailer:
			i := bytes.Index(r.buf, []byte("\r\n"))
			if i == -1 {
				return false, nil
			}
			line := r.buf[:i]
			r.buf = r.buf[i+2:]
			if len(line) == 0 {
				return true, nil
			}

		default:
			// Expecting a chunk-size line.
			i := bytes.Index(r.buf, []byte("\r\n"))
			if i == -1 {
				return false, nil
			}
			line := string(r.buf[:i])
			r.buf = r.buf[i+2:]
			if j := strings.IndexByte(line, ';'); j != -1 {
				line = line[:j]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return false, errBadChunk
			}
			if size == 0 {
				r.inTrailer = true
				continue
			}
			r.remaining = size
			r.inData = true
		}
	}
}
