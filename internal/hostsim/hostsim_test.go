package hostsim

import (
	"context"
	"encoding/binary"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cortexflow/internal/wire"
	"cortexflow/models"
)

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (wire.Kind, []byte) {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	kind, payload, err := wire.Split(msg)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return kind, payload
}

func request(t *testing.T, conn *websocket.Conn, id uint32, cmd string) wire.Response {
	t.Helper()
	msg, err := wire.AppendRequest(nil, id, cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	// frames from the generator may come first
	kind, payload := read(t, conn)
	for kind == wire.KindFrame {
		kind, payload = read(t, conn)
	}
	if kind != wire.KindResponse {
		t.Fatalf("expected response, got %s", kind)
	}
	r, err := wire.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if r.ID != id {
		t.Fatalf("reply id %d, want %d", r.ID, id)
	}
	return r
}

func TestHelloAndCommands(t *testing.T) {
	srv := New(Options{FrameRate: 90})
	conn := dial(t, srv)

	kind, payload := read(t, conn)
	if kind != wire.KindHello {
		t.Fatalf("expected hello first, got %s", kind)
	}
	host, err := wire.DecodeHello(payload)
	if err != nil || host.HostMachineName != "sim-host" {
		t.Fatalf("unexpected hello %+v %v", host, err)
	}

	if r := request(t, conn, 1, "LiveMode"); r.Code != codeOkay || !srv.Streaming() {
		t.Fatalf("LiveMode: code %d streaming %v", r.Code, srv.Streaming())
	}
	if r := request(t, conn, 2, "Pause"); r.Code != codeOkay || srv.Streaming() {
		t.Fatalf("Pause: code %d streaming %v", r.Code, srv.Streaming())
	}

	r := request(t, conn, 3, "GetContextFrameRate")
	if len(r.Payload) != 4 || math.Float32frombits(binary.LittleEndian.Uint32(r.Payload)) != 90 {
		t.Fatalf("unexpected frame rate payload %v", r.Payload)
	}

	if r := request(t, conn, 4, "NoSuchCommand"); r.Code != codeNotRecognized {
		t.Fatalf("expected NotRecognized, got %d", r.Code)
	}

	if r := request(t, conn, 5, "StartRecording"); r.Code != codeOkay {
		t.Fatalf("StartRecording: %d", r.Code)
	}
	if r := request(t, conn, 6, "StartRecording"); r.Code != codeGeneralError {
		t.Fatalf("second StartRecording should fail, got %d", r.Code)
	}
	if rec := srv.Recording(); !rec.Recording || rec.Filename != "take_001.cap" {
		t.Fatalf("unexpected recording status %+v", rec)
	}
	if r := request(t, conn, 7, "StopRecording"); r.Code != codeOkay || srv.Recording().Recording {
		t.Fatalf("StopRecording: %d", r.Code)
	}

	got := srv.Commands()
	if len(got) != 7 || got[0] != "LiveMode" || got[3] != "NoSuchCommand" {
		t.Fatalf("unexpected command log %v", got)
	}
}

func TestBodyDefsRequestAndPublish(t *testing.T) {
	defs := DefaultBodyDefs(1, 4)
	srv := New(Options{BodyDefs: defs})
	conn := dial(t, srv)
	read(t, conn) // hello

	msg, _ := wire.AppendBodyDefsRequest(nil, 42)
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	kind, payload := read(t, conn)
	if kind != wire.KindBodyDefs {
		t.Fatalf("expected body defs, got %s", kind)
	}
	id, got, err := wire.DecodeBodyDefs(payload, models.DefaultMaxBodies)
	if err != nil || id != 42 {
		t.Fatalf("decode body defs: id %d err %v", id, err)
	}
	if def, ok := got.Lookup("Subject1"); !ok || def.NumMarkers() != 4 {
		t.Fatalf("unexpected defs %+v", got)
	}

	var f models.FrameOfData
	Synthesize(&f, defs, 7, 2)
	if err := srv.Publish(&f); err != nil {
		t.Fatalf("publish: %v", err)
	}
	kind, payload = read(t, conn)
	if kind != wire.KindFrame {
		t.Fatalf("expected frame, got %s", kind)
	}
	var decoded models.FrameOfData
	if err := wire.DecodeFrameInto(payload, &decoded, models.DefaultMaxBodies); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if !decoded.Equal(&f) {
		t.Fatalf("published frame does not round trip")
	}
	if decoded.NumUnidentifiedMarkers() != 2 || decoded.UnidentifiedMarkers[0][0] != 7 {
		t.Fatalf("unexpected unidentified markers %v", decoded.UnidentifiedMarkers)
	}
}

func TestGeneratorStreamsOnlyWhenLive(t *testing.T) {
	srv := New(Options{BodyDefs: DefaultBodyDefs(1, 2), FrameRate: 200})
	conn := dial(t, srv)
	read(t, conn) // hello

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)
	defer srv.Close()

	request(t, conn, 1, "LiveMode")
	var last int32
	for i := 0; i < 3; i++ {
		kind, payload := read(t, conn)
		if kind != wire.KindFrame {
			t.Fatalf("expected frame, got %s", kind)
		}
		var f models.FrameOfData
		if err := wire.DecodeFrameInto(payload, &f, 0); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Frame <= last {
			t.Fatalf("frame numbers not increasing: %d after %d", f.Frame, last)
		}
		last = f.Frame
	}
}
