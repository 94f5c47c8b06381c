package ioutil

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func TestReadLimited(t *testing.T) {
	assert.Equal(t, "invalid_grant", ReadLimited(strings.NewReader("invalid_grant\n"), 1024))
	assert.Equal(t, "inval", ReadLimited(strings.NewReader("invalid_grant"), 5))
	assert.Empty(t, ReadLimited(strings.NewReader(""), 1024))
	assert.Equal(t, "<unreadable: connection reset>", ReadLimited(brokenReader{}, 1024))
}

func TestDrainAndClose(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("leftover")}
	DrainAndClose(body)
	assert.True(t, body.closed)

	assert.NotPanics(t, func() { DrainAndClose(nil) })
}
