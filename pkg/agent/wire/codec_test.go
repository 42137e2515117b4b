package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
)

// frame wraps a payload in the length-prefixed framing by hand, for
// decoder error cases the encoder refuses to produce.
func frame(payload []byte) []byte {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
				Caps:     map[string]bool{"exec": true},
			},
			wantErr: false,
		},
		{
			name:    "encode event message",
			msgType: MessageTypeEvent,
			data: &EventMessage{
				CommandID: "cmd-123",
				Level:     "info",
				Message:   "total energy written",
			},
			wantErr: false,
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data: &DoneMessage{
				CommandID: "cmd-123",
				Duration:  1.5,
			},
			wantErr: false,
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				CommandID: "cmd-123",
				Code:      "EXEC_FAILED",
				Message:   "code execution failed",
				Retryable: false,
			},
			wantErr: false,
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data: &ExitMessage{
				Reason:        "stdin_closed",
				ExitCode:      0,
				SelfDeleted:   true,
				CommandsTotal: 5,
			},
			wantErr: false,
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			data:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			// The frame is a 4-byte length followed by the JSON message.
			raw := buf.Bytes()
			if len(raw) < 4 {
				t.Fatalf("Frame too short: %d bytes", len(raw))
			}
			size := binary.BigEndian.Uint32(raw[:4])
			if int(size) != len(raw)-4 {
				t.Errorf("Frame length = %d, header says %d", len(raw)-4, size)
			}

			var msg Message
			if err := json.Unmarshal(raw[4:], &msg); err != nil {
				t.Errorf("Payload is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestEncoderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	err := enc.Encode(MessageTypeCommand, &CommandMessage{
		ID:      "cmd-big",
		Type:    CommandTypeFileWrite,
		Timeout: 60,
		Params:  json.RawMessage(`{"path":"/tmp/x","content":"` + string(bytes.Repeat([]byte("A"), MaxFrameSize)) + `"}`),
	})
	if err == nil {
		t.Error("Expected error for oversized frame")
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeReady(&ReadyMessage{Version: "1.0.0", Platform: "linux", Caps: map[string]bool{"exec": true}}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := enc.EncodeDone(&DoneMessage{CommandID: "cmd-1", Duration: 0.2}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != MessageTypeReady {
		t.Errorf("Message type = %v, want %v", msg.Type, MessageTypeReady)
	}
	var ready ReadyMessage
	if err := ParseParams(msg.Data, &ready); err != nil {
		t.Fatalf("Failed to parse ready: %v", err)
	}
	if !ready.Caps["exec"] {
		t.Error("Expected the exec capability")
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != MessageTypeDone {
		t.Errorf("Message type = %v, want %v", msg.Type, MessageTypeDone)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecoderErrors(t *testing.T) {
	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, MaxFrameSize+1)

	tests := []struct {
		name  string
		input []byte
	}{
		{
			name:  "truncated header",
			input: []byte{0x00, 0x00},
		},
		{
			name:  "empty frame",
			input: frame(nil),
		},
		{
			name:  "oversized frame",
			input: oversized,
		},
		{
			name:  "truncated frame",
			input: frame([]byte(`{"type":"READY"}`))[:6],
		},
		{
			name:  "invalid json",
			input: frame([]byte(`{invalid`)),
		},
		{
			name:  "invalid message type",
			input: frame([]byte(`{"type":"BOGUS"}`)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(bytes.NewReader(tt.input))
			if _, err := dec.Decode(); err == nil || err == io.EOF {
				t.Errorf("Expected a decode error, got %v", err)
			}
		})
	}
}

func TestDecodeCommand(t *testing.T) {
	encode := func(t *testing.T, msgType MessageType, data interface{}) *bytes.Buffer {
		t.Helper()
		var buf bytes.Buffer
		if err := NewEncoder(&buf).Encode(msgType, data); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return &buf
	}

	t.Run("valid exec command", func(t *testing.T) {
		buf := encode(t, MessageTypeCommand, &CommandMessage{
			ID:      "cmd-123",
			Type:    CommandTypeExec,
			Timeout: 30,
			Params:  json.RawMessage(`{"command":"sh run.sh"}`),
		})
		cmd, err := NewDecoder(buf).DecodeCommand()
		if err != nil {
			t.Fatalf("DecodeCommand failed: %v", err)
		}
		if cmd.Type != CommandTypeExec {
			t.Errorf("Command type = %v, want %v", cmd.Type, CommandTypeExec)
		}
	})

	t.Run("wrong message type", func(t *testing.T) {
		buf := encode(t, MessageTypeEvent, &EventMessage{CommandID: "cmd-1", Message: "hi"})
		if _, err := NewDecoder(buf).DecodeCommand(); err == nil {
			t.Error("Expected error for non-command message")
		}
	})

	t.Run("missing command id", func(t *testing.T) {
		buf := encode(t, MessageTypeCommand, &CommandMessage{
			Type:    CommandTypeExec,
			Timeout: 30,
			Params:  json.RawMessage(`{}`),
		})
		if _, err := NewDecoder(buf).DecodeCommand(); err == nil {
			t.Error("Expected error for missing command ID")
		}
	})

	t.Run("invalid timeout", func(t *testing.T) {
		buf := encode(t, MessageTypeCommand, &CommandMessage{
			ID:     "cmd-123",
			Type:   CommandTypeExec,
			Params: json.RawMessage(`{}`),
		})
		if _, err := NewDecoder(buf).DecodeCommand(); err == nil {
			t.Error("Expected error for zero timeout")
		}
	})
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		target  interface{}
		wantErr bool
	}{
		{
			name:    "parse exec params",
			params:  `{"command":"sh","args":["run.sh"],"capture_out":true,"capture_err":true}`,
			target:  &ExecParams{},
			wantErr: false,
		},
		{
			name:    "parse file write params",
			params:  `{"path":"/tmp/job/builder.yaml","content":"aGVsbG8=","make_parents":true}`,
			target:  &FileWriteParams{},
			wantErr: false,
		},
		{
			name:    "parse file read params",
			params:  `{"path":"/tmp/job/results.json","max_bytes":1024}`,
			target:  &FileReadParams{},
			wantErr: false,
		},
		{
			name:    "invalid json",
			params:  `{invalid}`,
			target:  &ExecParams{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseParams(json.RawMessage(tt.params), tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseParams() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
