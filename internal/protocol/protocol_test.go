package protocol

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const testKey = "MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAE+abc/def=="

func mustCircuitID(t *testing.T) CircuitID {
	t.Helper()
	id, err := NewCircuitID()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// ============================================================================
// Round trips
// ============================================================================

func TestMessage_RoundTrip(t *testing.T) {
	cid := mustCircuitID(t)

	payloads := []Payload{
		Handshake{PublicKey: testKey},
		Handshake{PublicKey: testKey, ListenHost: "10.0.0.1", ListenPort: 12137},
		Handshake{PublicKey: testKey, ListenHost: "::1", ListenPort: 9000},
		PeerDiscoveryRequest{},
		PeerDiscoveryResponse{},
		PeerDiscoveryResponse{Peers: []PeerInfo{
			{PublicKey: testKey, Host: "127.0.0.1", Port: 1},
			{PublicKey: "b" + testKey, Host: "node.example", Port: 65535},
		}},
		CircuitCreateRequest{CircuitID: cid, EphemeralKey: testKey},
		CircuitCreateResponse{CircuitID: cid, EphemeralKey: testKey},
		CircuitExtendRequest{CircuitID: cid, Blob: []byte{0, 1, 2, 0xff}},
		CircuitExtendResponse{CircuitID: cid, Blob: []byte("ciphertext")},
		CircuitData{CircuitID: cid, Blob: []byte{'\n', ';'}},
		CircuitDestroy{CircuitID: cid},
	}

	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			m, err := NewMessage(p)
			if err != nil {
				t.Fatalf("NewMessage() error = %v", err)
			}

			for _, sig := range []string{"", "c2lnbmF0dXJl"} {
				m.Signature = sig
				line, err := m.Encode()
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				if strings.ContainsAny(line, "\r\n") {
					t.Fatalf("encoded frame contains a line break: %q", line)
				}

				got, err := Decode(line + "\n")
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if gb, _ := got.SigningBytes(); !strings.HasPrefix(line, string(gb)) {
					t.Errorf("signing bytes %q are not a prefix of %q", gb, line)
				}
				got.raw = ""
				if !reflect.DeepEqual(got, m) {
					t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, m)
				}
			}
		})
	}
}

func TestExtendRecord_RoundTrip(t *testing.T) {
	r := ExtendRecord{
		Next:         PeerInfo{PublicKey: testKey, Host: "192.168.1.7", Port: 4000},
		EphemeralKey: "e" + testKey,
	}
	b, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeExtendRecord(b)
	if err != nil {
		t.Fatalf("DecodeExtendRecord() error = %v", err)
	}
	if got != r {
		t.Errorf("got %+v, want %+v", got, r)
	}

	if _, err := DecodeExtendRecord([]byte("no-separator")); !errors.Is(err, ErrDecode) {
		t.Errorf("DecodeExtendRecord(bad) error = %v", err)
	}
}

func TestCircuitID_Text(t *testing.T) {
	id := mustCircuitID(t)
	parsed, err := ParseCircuitID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Error("ParseCircuitID(String()) mismatch")
	}
	if len(id.ShortString()) != 8 {
		t.Errorf("ShortString() = %q", id.ShortString())
	}

	var u CircuitID
	text, _ := id.MarshalText()
	if err := u.UnmarshalText(text); err != nil || u != id {
		t.Errorf("UnmarshalText() = %v, %v", u, err)
	}

	for _, bad := range []string{"", "abc", strings.Repeat("zz", IDSize)} {
		if _, err := ParseCircuitID(bad); !errors.Is(err, ErrDecode) {
			t.Errorf("ParseCircuitID(%q) error = %v", bad, err)
		}
	}
}

// ============================================================================
// Encode failures
// ============================================================================

func TestEncode_TypeMismatch(t *testing.T) {
	m := &Message{Type: TypeCircuitCreateRequest, ID: "x", Payload: PeerDiscoveryRequest{}}
	if _, err := m.Encode(); !errors.Is(err, ErrPayloadTypeMismatch) {
		t.Errorf("Encode() error = %v, want ErrPayloadTypeMismatch", err)
	}

	m = &Message{Type: TypeHandshake, ID: "x"}
	if _, err := m.Encode(); !errors.Is(err, ErrPayloadTypeMismatch) {
		t.Errorf("Encode(nil payload) error = %v", err)
	}
}

func TestEncode_IllegalFields(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"id with delimiter", &Message{Type: TypeHandshake, ID: "a" + Delimiter, Payload: Handshake{PublicKey: testKey}}},
		{"id with newline", &Message{Type: TypeHandshake, ID: "a\nb", Payload: Handshake{PublicKey: testKey}}},
		{"signature with newline", &Message{Type: TypeHandshake, ID: "a", Signature: "x\n", Payload: Handshake{PublicKey: testKey}}},
		{"empty handshake key", &Message{Type: TypeHandshake, ID: "a", Payload: Handshake{}}},
		{"ephemeral key with @", &Message{Type: TypeCircuitCreateRequest, ID: "a", Payload: CircuitCreateRequest{EphemeralKey: "a@b"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.msg.Encode(); !errors.Is(err, ErrIllegalField) {
				t.Errorf("Encode() error = %v, want ErrIllegalField", err)
			}
		})
	}
}

// ============================================================================
// Decode failures
// ============================================================================

func frame(fields ...string) string {
	return strings.Join(fields, Delimiter)
}

func TestDecode_Errors(t *testing.T) {
	cid := mustCircuitID(t).String()

	tests := []struct {
		name string
		line string
		want error
	}{
		{"too few fields", frame("HANDSHAKE", "1", "id"), ErrDecode},
		{"too many fields", frame("HANDSHAKE", "1", "id", testKey, "sig", "extra"), ErrDecode},
		{"unknown type", frame("BOGUS", "1", "id", ""), ErrUnknownPayloadType},
		{"bad timestamp", frame("HANDSHAKE", "soon", "id", testKey), ErrDecode},
		{"empty id", frame("HANDSHAKE", "1", "", testKey), ErrDecode},
		{"empty signature", frame("HANDSHAKE", "1", "id", testKey, ""), ErrDecode},
		{"empty handshake", frame("HANDSHAKE", "1", "id", ""), ErrDecode},
		{"discovery request with payload", frame("PEER_DISCOVERY_REQUEST", "1", "id", "x"), ErrPayloadTypeMismatch},
		{"count mismatch", frame("PEER_DISCOVERY_RESPONSE", "1", "id", "2#"+testKey+"@h:1"), ErrDecode},
		{"negative count", frame("PEER_DISCOVERY_RESPONSE", "1", "id", "-1"), ErrDecode},
		{"peer without port", frame("PEER_DISCOVERY_RESPONSE", "1", "id", "1#"+testKey+"@host"), ErrDecode},
		{"create without @", frame("CIRCUIT_CREATE_REQUEST", "1", "id", cid), ErrDecode},
		{"create bad circuit id", frame("CIRCUIT_CREATE_REQUEST", "1", "id", "nothex@"+testKey), ErrDecode},
		{"extend bad base64", frame("CIRCUIT_EXTEND_REQUEST", "1", "id", cid+"@***"), ErrDecode},
		{"destroy bad id", frame("CIRCUIT_DESTROY", "1", "id", "x"), ErrDecode},
		{"too large", strings.Repeat("a", MaxLineSize+1), ErrFrameTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.line)
			if !errors.Is(err, tc.want) {
				t.Errorf("Decode() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecode_SignedFrame(t *testing.T) {
	m, err := Decode(frame("PEER_DISCOVERY_REQUEST", "42", "abc", "", "c2ln"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.Signature != "c2ln" || !m.Signed() {
		t.Errorf("signature = %q", m.Signature)
	}
	if m.Timestamp != 42 || m.ID != "abc" {
		t.Errorf("envelope = %+v", m)
	}
}

func TestSigningBytes_ExcludesSignature(t *testing.T) {
	m, _ := NewMessage(Handshake{PublicKey: testKey})
	unsigned, err := m.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	m.Signature = "c2ln"
	signed, _ := m.SigningBytes()
	if string(unsigned) != string(signed) {
		t.Error("signing bytes depend on the signature field")
	}
	line, _ := m.Encode()
	if !strings.HasPrefix(line, string(unsigned)) {
		t.Error("signing bytes are not a prefix of the frame")
	}
}

func TestDecode_SigningBytesAreReceivedBytes(t *testing.T) {
	// The bracketed host decodes to "::1" and would re-encode without
	// brackets.
	body := frame("HANDSHAKE", "42", "abc", testKey+"@[::1]:7400")
	m, err := Decode(body + Delimiter + "c2ln")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	hs := m.Payload.(Handshake)
	if hs.ListenHost != "::1" {
		t.Fatalf("ListenHost = %q, want ::1", hs.ListenHost)
	}

	got, err := m.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	if string(got) != body {
		t.Errorf("SigningBytes() = %q, want %q", got, body)
	}

	line, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if want := body + Delimiter + "c2ln"; line != want {
		t.Errorf("Encode() = %q, want the received frame %q", line, want)
	}
}

// ============================================================================
// PeerInfo
// ============================================================================

func TestParsePeerInfo(t *testing.T) {
	tests := []struct {
		in      string
		want    PeerInfo
		wantErr bool
	}{
		{in: "k@127.0.0.1:12137", want: PeerInfo{PublicKey: "k", Host: "127.0.0.1", Port: 12137}},
		{in: "k@fe80::1:80", want: PeerInfo{PublicKey: "k", Host: "fe80::1", Port: 80}},
		{in: "k@[::1]:80", want: PeerInfo{PublicKey: "k", Host: "::1", Port: 80}},
		{in: "@host:1", wantErr: true},
		{in: "k@host", wantErr: true},
		{in: "k@host:", wantErr: true},
		{in: "k@host:0", wantErr: true},
		{in: "k@host:70000", wantErr: true},
		{in: "k@:80", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParsePeerInfo(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParsePeerInfo(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParsePeerInfo(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPeerInfo_EqualAndAddress(t *testing.T) {
	a := PeerInfo{PublicKey: "k", Host: "a", Port: 1}
	b := PeerInfo{PublicKey: "k", Host: "b", Port: 2}
	if !a.Equal(b) {
		t.Error("PeerInfos with the same key should be equal")
	}
	if a.Equal(PeerInfo{PublicKey: "j"}) {
		t.Error("PeerInfos with different keys should differ")
	}
	if got := (PeerInfo{Host: "::1", Port: 5}).Address(); got != "[::1]:5" {
		t.Errorf("Address() = %q", got)
	}
}

func TestHandshake_Listen(t *testing.T) {
	if _, ok := (Handshake{PublicKey: "k"}).Listen(); ok {
		t.Error("handshake without address should not advertise")
	}
	info, ok := Handshake{PublicKey: "k", ListenHost: "h", ListenPort: 3}.Listen()
	if !ok || info != (PeerInfo{PublicKey: "k", Host: "h", Port: 3}) {
		t.Errorf("Listen() = %+v, %v", info, ok)
	}
}

func TestMessageType_Classification(t *testing.T) {
	if !TypeCircuitExtendRequest.IsCircuit() || TypePeerDiscoveryRequest.IsCircuit() {
		t.Error("IsCircuit misclassified")
	}
	if MessageType("NOPE").Known() {
		t.Error("unknown type reported as known")
	}
}
