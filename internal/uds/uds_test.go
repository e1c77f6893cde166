package uds

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "scheduler_0.sock")
	srv := NewServer(sockPath, nil)
	srv.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, sockPath
}

func TestPingRoundTrip(t *testing.T) {
	_, sockPath := startTestServer(t)

	resp, err := NewClient(sockPath).SendCommand(CmdPing, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "ok", data["status"])
}

func TestUnknownCommand(t *testing.T) {
	_, sockPath := startTestServer(t)

	resp, err := NewClient(sockPath).SendCommand("no_such_command", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestProtocolVersionMismatch(t *testing.T) {
	_, sockPath := startTestServer(t)

	req := &Request{ProtocolVersion: 99, Command: CmdPing}
	resp, err := NewClient(sockPath).Send(req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestGarbageFrameDoesNotKillServer(t *testing.T) {
	_, sockPath := startTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	// Valid length prefix, invalid JSON payload.
	payload := []byte("this is not json")
	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(len(payload))))
	_, err = conn.Write(payload)
	require.NoError(t, err)
	conn.Close()

	// The server must still answer well-formed requests.
	resp, err := NewClient(sockPath).SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestOversizedFrameRejected(t *testing.T) {
	_, sockPath := startTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(maxFrameBytes+1)))

	// The server drops the connection without a response; a fresh
	// request still succeeds.
	resp, err := NewClient(sockPath).SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	srv, sockPath := startTestServer(t)
	srv.Handle("boom", func(req *Request) *Response {
		panic("handler exploded")
	})

	c := NewClient(sockPath)
	c.SetTimeout(2 * time.Second)
	_, _ = c.SendCommand("boom", nil)

	resp, err := c.SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestConcurrentClients(t *testing.T) {
	_, sockPath := startTestServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := NewClient(sockPath).SendCommand(CmdPing, nil)
			if err != nil {
				errs <- err
				return
			}
			if !resp.Success {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent ping failed: %v", err)
	}
}

func TestStopRemovesSocket(t *testing.T) {
	srv, sockPath := startTestServer(t)
	require.NoError(t, srv.Stop())

	_, err := net.Dial("unix", sockPath)
	assert.Error(t, err, "socket should be gone after Stop")
}
