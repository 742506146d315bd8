package pollnet

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeSocket replays scripted reads and records writes.
// An empty chunk reads as an orderly shutdown (0 bytes, no error); once the
// script is exhausted Read reports ErrWouldBlock, or readErr when set.
type fakeSocket struct {
	fd         int
	reads      [][]byte
	readErr    error
	written    []byte
	writes     []int
	writeLimit int // bytes accepted per Write, 0 for unlimited
	writeErr   error
	closed     bool
}

func newFakeSocket(fd int, reads ...[]byte) *fakeSocket {
	return &fakeSocket{fd: fd, reads: reads}
}

func (s *fakeSocket) Fd() int { return s.fd }

func (s *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + s.fd}
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.reads) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		return 0, ErrWouldBlock
	}
	chunk := s.reads[0]
	if len(chunk) == 0 {
		s.reads = s.reads[1:]
		return 0, nil
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		s.reads[0] = chunk[n:]
	} else {
		s.reads = s.reads[1:]
	}
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := len(p)
	if s.writeLimit > 0 && n > s.writeLimit {
		n = s.writeLimit
	}
	s.written = append(s.written, p[:n]...)
	s.writes = append(s.writes, n)
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

// fakeRegistry records what a connection reports to its dispatcher.
type fakeRegistry struct {
	interests    []Event
	unregistered int
	modifyErr    error
}

func (r *fakeRegistry) modify(_ *Conn, events Event) error {
	if r.modifyErr != nil {
		return r.modifyErr
	}
	r.interests = append(r.interests, events)
	return nil
}

func (r *fakeRegistry) unregister(*Conn) error {
	r.unregistered++
	return nil
}

func testOptions(t *testing.T, onMessage func(*Conn, *Message) error, opt ...Option) *options {
	t.Helper()
	opts := &options{onMessage: onMessage, logger: DiscardLogger()}
	for _, o := range opt {
		o(opts)
	}
	if err := checkOptions(opts); err != nil {
		t.Fatalf("checkOptions: %v", err)
	}
	return opts
}

func newTestConn(t *testing.T, sock *fakeSocket, req *Request, onMessage func(*Conn, *Message) error, opt ...Option) (*Conn, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{}
	m, err := newConnMetrics(nil)
	if err != nil {
		t.Fatalf("newConnMetrics: %v", err)
	}
	c := newConn(sock, reg, testOptions(t, onMessage, opt...), m, req)
	c.interest = EventRead
	if req != nil {
		c.interest |= EventWrite
	}
	return c, reg
}

// pump delivers events until the connection closes, fails or max is reached.
func pump(c *Conn, events Event, max int) (int, error) {
	for i := 0; i < max; i++ {
		if c.IsClosed() {
			return i, nil
		}
		if err := c.HandleEvent(events); err != nil {
			return i + 1, err
		}
	}
	return max, nil
}

func mustFrame(t *testing.T, req *Request) []byte {
	t.Helper()
	frame, err := req.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	return frame
}

func TestPhase_String(t *testing.T) {
	if AwaitingPayload.String() != "awaiting-payload" {
		t.Errorf("AwaitingPayload = %q", AwaitingPayload.String())
	}
	if Phase(42).String() != "phase(42)" {
		t.Errorf("Phase(42) = %q", Phase(42).String())
	}
}

func TestConn_WholeFrameInOneRead(t *testing.T) {
	var got []*Message
	sock := newFakeSocket(5, mustFrame(t, JSONRequest(map[string]any{"result": 42})))
	c, reg := newTestConn(t, sock, nil, func(_ *Conn, m *Message) error {
		got = append(got, m)
		return nil
	})

	if err := c.HandleEvent(EventRead); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("onMessage called %d times, want 1", len(got))
	}
	want := map[string]any{"result": float64(42)}
	if !reflect.DeepEqual(got[0].Value, want) {
		t.Errorf("Value = %v, want %v", got[0].Value, want)
	}
	if got[0].Length() != 13 {
		t.Errorf("Length = %d, want 13", got[0].Length())
	}
	if !c.IsClosed() || c.Err() != nil {
		t.Errorf("conn closed=%v err=%v, want clean close", c.IsClosed(), c.Err())
	}
	if !sock.closed || reg.unregistered != 1 {
		t.Errorf("socket closed=%v unregistered=%d", sock.closed, reg.unregistered)
	}
}

func TestConn_ByteAtATimeMatchesWholeFrame(t *testing.T) {
	frame := mustFrame(t, JSONRequest(map[string]any{"action": "reverse", "value": "pollnet"}))

	var whole, split *Message
	c1, _ := newTestConn(t, newFakeSocket(5, frame), nil, func(_ *Conn, m *Message) error {
		whole = m
		return nil
	})
	if _, err := pump(c1, EventRead, 1); err != nil {
		t.Fatalf("whole: %v", err)
	}

	calls := 0
	c2, _ := newTestConn(t, newFakeSocket(6, frame), nil, func(_ *Conn, m *Message) error {
		calls++
		split = m
		return nil
	}, ReadChunkSizeOption(1))

	last := AwaitingLength
	for i := 0; i < len(frame); i++ {
		if err := c2.HandleEvent(EventRead); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if c2.Phase() < last {
			t.Fatalf("phase went back from %v to %v", last, c2.Phase())
		}
		last = c2.Phase()
	}

	if calls != 1 {
		t.Fatalf("onMessage called %d times, want 1", calls)
	}
	if !reflect.DeepEqual(whole, split) {
		t.Errorf("split message = %+v, want %+v", split, whole)
	}
	if !c2.IsClosed() {
		t.Error("connection not closed after the message")
	}
}

func TestConn_PhaseProgression(t *testing.T) {
	frame := mustFrame(t, JSONRequest("hi"))
	metaLen := int(binary.BigEndian.Uint16(frame))
	payloadAt := HeaderLengthSize + metaLen

	sock := newFakeSocket(5)
	c, _ := newTestConn(t, sock, nil, func(*Conn, *Message) error { return nil })

	steps := []struct {
		chunk []byte
		want  Phase
	}{
		{frame[:1], AwaitingLength},
		{frame[1:HeaderLengthSize], AwaitingMetadata},
		{frame[HeaderLengthSize : payloadAt-1], AwaitingMetadata},
		{frame[payloadAt-1 : payloadAt], AwaitingPayload},
		{frame[payloadAt : len(frame)-1], AwaitingPayload},
		{frame[len(frame)-1:], Closed},
	}
	for i, step := range steps {
		sock.reads = append(sock.reads, step.chunk)
		if err := c.HandleEvent(EventRead); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if c.Phase() != step.want {
			t.Fatalf("step %d: phase = %v, want %v", i, c.Phase(), step.want)
		}
	}
	if c.Message() == nil || c.Message().Value != "hi" {
		t.Errorf("Message = %+v", c.Message())
	}
}

func TestConn_EmptyPayload(t *testing.T) {
	calls := 0
	c, _ := newTestConn(t, newFakeSocket(5, mustFrame(t, BinaryRequest(nil, "application/octet-stream"))), nil,
		func(_ *Conn, m *Message) error {
			calls++
			if m.Length() != 0 {
				t.Errorf("Length = %d, want 0", m.Length())
			}
			return nil
		})

	if _, err := pump(c, EventRead, 2); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("onMessage called %d times, want 1", calls)
	}
}

func TestConn_MissingHeaderField(t *testing.T) {
	meta := `{"byteorder":"little","content-type":"text/json","content-length":2}`
	called := false
	c, _ := newTestConn(t, newFakeSocket(5, rawFrame(meta, []byte("{}"))), nil, func(*Conn, *Message) error {
		called = true
		return nil
	})

	err := c.HandleEvent(EventRead)
	if !errors.Is(err, ErrMissingHeaderField) {
		t.Fatalf("err = %v, want ErrMissingHeaderField", err)
	}
	var missing *MissingHeaderFieldError
	if !errors.As(err, &missing) || missing.Field != "content-encoding" {
		t.Errorf("missing field = %+v", missing)
	}
	if called {
		t.Error("onMessage called for an invalid frame")
	}

	c.shutdown(err)
	if !c.IsClosed() || !errors.Is(c.Err(), ErrMissingHeaderField) {
		t.Errorf("closed=%v err=%v", c.IsClosed(), c.Err())
	}
	if got := testutil.ToFloat64(c.metrics.closed.WithLabelValues("missing_header_field")); got != 1 {
		t.Errorf("closed{missing_header_field} = %v, want 1", got)
	}
}

func TestConn_InvalidMetadata(t *testing.T) {
	c, _ := newTestConn(t, newFakeSocket(5, rawFrame(`{"byteorder":`, nil)), nil, func(*Conn, *Message) error { return nil })

	err := c.HandleEvent(EventRead)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
}

func TestConn_PeerClosedInEveryPhase(t *testing.T) {
	frame := mustFrame(t, JSONRequest("payload"))
	metaLen := int(binary.BigEndian.Uint16(frame))

	tests := []struct {
		name string
		cut  int
		want Phase
	}{
		{"before any byte", 0, AwaitingLength},
		{"inside length", 1, AwaitingLength},
		{"inside metadata", HeaderLengthSize + 3, AwaitingMetadata},
		{"inside payload", HeaderLengthSize + metaLen + 2, AwaitingPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sock := newFakeSocket(5)
			if tt.cut > 0 {
				sock.reads = append(sock.reads, frame[:tt.cut])
			}
			sock.reads = append(sock.reads, []byte{})

			c, _ := newTestConn(t, sock, nil, func(*Conn, *Message) error {
				t.Error("onMessage called for a truncated frame")
				return nil
			})
			_, err := pump(c, EventRead, 4)
			if !errors.Is(err, ErrPeerClosed) {
				t.Fatalf("err = %v, want ErrPeerClosed", err)
			}
			if c.Phase() != tt.want {
				t.Errorf("phase = %v, want %v", c.Phase(), tt.want)
			}
		})
	}
}

func TestConn_ReadErrors(t *testing.T) {
	sock := newFakeSocket(5)
	sock.readErr = io.EOF
	c, _ := newTestConn(t, sock, nil, func(*Conn, *Message) error { return nil })
	if err := c.HandleEvent(EventRead); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("EOF: err = %v, want ErrPeerClosed", err)
	}

	reset := errors.New("connection reset by peer")
	sock = newFakeSocket(6)
	sock.readErr = reset
	c, _ = newTestConn(t, sock, nil, func(*Conn, *Message) error { return nil })
	err := c.HandleEvent(EventRead)
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "read" || !errors.Is(err, reset) {
		t.Errorf("err = %v, want read IOError wrapping reset", err)
	}
}

func TestConn_WouldBlockIsNotAnError(t *testing.T) {
	c, _ := newTestConn(t, newFakeSocket(5), nil, func(*Conn, *Message) error { return nil })
	for i := 0; i < 3; i++ {
		if err := c.HandleEvent(EventRead); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}
	if c.Phase() != AwaitingLength {
		t.Errorf("phase = %v", c.Phase())
	}
}

func TestConn_MessageTooLarge(t *testing.T) {
	frame := mustFrame(t, BinaryRequest(make([]byte, 100), "application/octet-stream"))
	c, _ := newTestConn(t, newFakeSocket(5, frame), nil, func(*Conn, *Message) error { return nil }, MessageMaxSize(10))

	if _, err := pump(c, EventRead, 3); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestConn_LargeMetadataSmallPayloadLimit(t *testing.T) {
	meta := `{"byteorder":"little","content-type":"text/plain","content-encoding":"utf-8","content-length":0,"pad":"` +
		strings.Repeat("x", 5000) + `"}`
	var got *Message
	c, _ := newTestConn(t, newFakeSocket(5, rawFrame(meta, nil)), nil, func(_ *Conn, m *Message) error {
		got = m
		return nil
	}, MessageMaxSize(16), ReadChunkSizeOption(1024))

	if _, err := pump(c, EventRead, 20); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if got == nil {
		t.Fatal("onMessage not called")
	}
	if got.Length() != 0 || got.Metadata.ContentType != "text/plain" {
		t.Errorf("message = %+v", got.Metadata)
	}
	if !c.IsClosed() || c.Err() != nil {
		t.Errorf("closed=%v err=%v, want clean close", c.IsClosed(), c.Err())
	}
}

func TestConn_ReplyThenCloseInCallback(t *testing.T) {
	sock := newFakeSocket(5, mustFrame(t, JSONRequest("ping")))
	c, reg := newTestConn(t, sock, nil, func(c *Conn, _ *Message) error {
		if err := c.Reply(JSONRequest("pong")); err != nil {
			return err
		}
		c.Close()
		return nil
	})
	reg.modifyErr = errors.New("fd not registered")

	if err := c.HandleEvent(EventRead); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !c.IsClosed() || c.Err() != nil {
		t.Errorf("closed=%v err=%v, want clean close", c.IsClosed(), c.Err())
	}
	if len(reg.interests) != 0 || len(sock.written) != 0 {
		t.Errorf("interests=%v written=%d, want nothing after close", reg.interests, len(sock.written))
	}
}

func TestConn_OnMessageError(t *testing.T) {
	boom := errors.New("boom")
	c, _ := newTestConn(t, newFakeSocket(5, mustFrame(t, JSONRequest(1))), nil, func(*Conn, *Message) error { return boom })

	if err := c.HandleEvent(EventRead); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestConn_PartialWrites(t *testing.T) {
	req := BinaryRequest([]byte(strings.Repeat("x", 8000)), "binary/custom-client-binary-type")
	frame := mustFrame(t, req)

	sock := newFakeSocket(5)
	sock.writeLimit = 1500
	c, reg := newTestConn(t, sock, req, func(*Conn, *Message) error { return nil })

	wantEvents := (len(frame) + sock.writeLimit - 1) / sock.writeLimit
	if wantEvents != 6 {
		t.Fatalf("frame of %d bytes needs %d writes, want 6", len(frame), wantEvents)
	}

	remaining := len(frame)
	for i := 0; i < wantEvents; i++ {
		if err := c.HandleEvent(EventWrite); err != nil {
			t.Fatalf("write event %d: %v", i, err)
		}
		if c.buf.OutboundLen() >= remaining {
			t.Fatalf("write event %d: outbound %d did not shrink from %d", i, c.buf.OutboundLen(), remaining)
		}
		remaining = c.buf.OutboundLen()
	}

	if remaining != 0 {
		t.Fatalf("%d bytes left after %d events", remaining, wantEvents)
	}
	if string(sock.written) != string(frame) {
		t.Error("written bytes differ from the frame")
	}
	for i, n := range sock.writes {
		if n > sock.writeLimit {
			t.Errorf("write %d sent %d bytes", i, n)
		}
	}
	if !reflect.DeepEqual(reg.interests, []Event{EventRead}) {
		t.Errorf("interests = %v, want [r]", reg.interests)
	}
	if c.Phase() != AwaitingLength {
		t.Errorf("phase = %v, want awaiting-length", c.Phase())
	}
}

func TestConn_ClientRequestResponse(t *testing.T) {
	var resp *Message
	sock := newFakeSocket(5)
	c, reg := newTestConn(t, sock, JSONRequest(map[string]any{"action": "echo", "value": 7}), func(_ *Conn, m *Message) error {
		resp = m
		return nil
	})

	// nothing to read yet, the request goes out
	if err := c.HandleEvent(EventRead | EventWrite); err != nil {
		t.Fatal(err)
	}
	sent, _, err := DecodeFrame(sock.written)
	if err != nil {
		t.Fatalf("sent frame: %v", err)
	}
	if sent.Value.(map[string]any)["action"] != "echo" {
		t.Errorf("sent = %v", sent.Value)
	}

	sock.reads = append(sock.reads, mustFrame(t, JSONRequest(map[string]any{"result": 7})))
	if err := c.HandleEvent(EventRead); err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.Value.(map[string]any)["result"] != float64(7) {
		t.Errorf("response = %+v", resp)
	}
	if !c.IsClosed() || reg.unregistered != 1 {
		t.Errorf("closed=%v unregistered=%d", c.IsClosed(), reg.unregistered)
	}
}

func TestConn_ServerReply(t *testing.T) {
	sock := newFakeSocket(5, mustFrame(t, JSONRequest("ping")))
	sock.writeLimit = 7
	c, reg := newTestConn(t, sock, nil, func(c *Conn, m *Message) error {
		return c.Reply(JSONRequest(map[string]any{"result": m.Value}))
	})

	if err := c.HandleEvent(EventRead); err != nil {
		t.Fatal(err)
	}
	if c.IsClosed() {
		t.Fatal("closed before the reply was sent")
	}
	if !reflect.DeepEqual(reg.interests, []Event{EventWrite}) {
		t.Errorf("interests = %v, want [w]", reg.interests)
	}

	if _, err := pump(c, EventWrite, 100); err != nil {
		t.Fatal(err)
	}
	if !c.IsClosed() || c.Err() != nil {
		t.Fatalf("closed=%v err=%v", c.IsClosed(), c.Err())
	}
	reply, rest, err := DecodeFrame(sock.written)
	if err != nil || len(rest) != 0 {
		t.Fatalf("reply: %v, %d trailing bytes", err, len(rest))
	}
	if reply.Value.(map[string]any)["result"] != "ping" {
		t.Errorf("reply = %v", reply.Value)
	}
	if got := testutil.ToFloat64(c.metrics.framesEncoded); got != 1 {
		t.Errorf("frames encoded = %v, want 1", got)
	}
}

func TestConn_ReplyRules(t *testing.T) {
	c, _ := newTestConn(t, newFakeSocket(5), nil, func(*Conn, *Message) error { return nil })
	if err := c.Reply(JSONRequest(1)); !errors.Is(err, ErrReplyNotAllowed) {
		t.Errorf("before complete: %v", err)
	}
	c.Close()
	if err := c.Reply(JSONRequest(1)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("after close: %v", err)
	}

	// a client connection already sent its request
	var replyErr error
	sock := newFakeSocket(6)
	cc, _ := newTestConn(t, sock, JSONRequest(1), func(c *Conn, _ *Message) error {
		replyErr = c.Reply(JSONRequest(2))
		return nil
	})
	if err := cc.HandleEvent(EventWrite); err != nil {
		t.Fatal(err)
	}
	sock.reads = append(sock.reads, mustFrame(t, JSONRequest(3)))
	if err := cc.HandleEvent(EventRead); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(replyErr, ErrReplyNotAllowed) {
		t.Errorf("client reply: %v", replyErr)
	}
}

func TestConn_WriteError(t *testing.T) {
	sock := newFakeSocket(5)
	sock.writeErr = errors.New("broken pipe")
	c, _ := newTestConn(t, sock, JSONRequest(1), func(*Conn, *Message) error { return nil })

	err := c.HandleEvent(EventWrite)
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write" {
		t.Errorf("err = %v, want write IOError", err)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	sock := newFakeSocket(5)
	c, reg := newTestConn(t, sock, nil, func(*Conn, *Message) error { return nil })

	c.Close()
	c.Close()
	c.shutdown(ErrPeerClosed)

	if reg.unregistered != 1 {
		t.Errorf("unregistered %d times, want 1", reg.unregistered)
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil", c.Err())
	}
	if err := c.HandleEvent(EventRead); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("HandleEvent after close = %v", err)
	}
	if got := testutil.ToFloat64(c.metrics.closed.WithLabelValues("complete")); got != 1 {
		t.Errorf("closed{complete} = %v, want 1", got)
	}
}

func TestConn_CloseLogsAddr(t *testing.T) {
	logger := &recordLogger{}
	c, _ := newTestConn(t, newFakeSocket(5), nil, func(*Conn, *Message) error { return nil }, LoggerOption(logger))

	c.shutdown(ErrIdleTimeout)

	r, ok := logger.find("connection closed with error")
	if !ok {
		t.Fatal("no close record")
	}
	if !r.hasKey("addr") || !r.hasKey("error") {
		t.Errorf("record args = %v", r.args)
	}
}
