package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// ErrorBodyLimit caps how much of an upstream error body ends up in logs
const ErrorBodyLimit = 4 << 10

// ReadLimited reads up to limit bytes from r for inclusion in an error message.
// A read failure is described in the returned string rather than dropped.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return strings.TrimSpace(string(body))
}

// DrainAndClose discards what is left of a response body so the connection can be reused
func DrainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, ErrorBodyLimit))
	_ = rc.Close()
}
