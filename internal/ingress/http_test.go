package ingress

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
)

func TestHandlePostPublishesDecodedCommand(t *testing.T) {
	b := bus.New()
	defer b.Close()

	received := make(chan command.Command, 1)
	b.Subscribe(func(c command.Command) {
		received <- c
	})

	h := NewHTTPServer("127.0.0.1:0", b)

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"type":"recordStart"}`))
	rec := httptest.NewRecorder()
	h.handlePost(rec, req)

	require.Equal(t, 200, rec.Code)
	select {
	case c := <-received:
		require.Equal(t, command.TypeRecordStart, c.Type())
	case <-time.After(time.Second):
		t.Fatal("expected the decoded command to be published")
	}
}

func TestHandlePostRejectsMalformedJSON(t *testing.T) {
	b := bus.New()
	defer b.Close()

	received := make(chan command.Command, 1)
	b.Subscribe(func(c command.Command) {
		received <- c
	})

	h := NewHTTPServer("127.0.0.1:0", b)

	req := httptest.NewRequest("POST", "/", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	h.handlePost(rec, req)

	require.Equal(t, 400, rec.Code)
	select {
	case <-received:
		t.Fatal("malformed payload must not reach the bus")
	case <-time.After(50 * time.Millisecond):
	}
}
