package cluster

import "testing"

func sampleHeader(msgType MsgType) Header {
	h := Header{
		Type:         msgType,
		SenderID:     "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		CurrentEpoch: 7,
		ConfigEpoch:  3,
		ReplOffset:   1234,
		MasterID:     "",
		IP:           "10.0.0.1",
		ClientPort:   6379,
		BusPort:      16379,
		State:        StateOK,
	}
	h.SlotBitmap[0] = 0xFF
	return h
}

func TestEncodeDecodePingRoundTrip(t *testing.T) {
	f := &Frame{
		Header: sampleHeader(MsgPing),
		Gossips: []Gossip{
			{NodeID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", IP: "10.0.0.2", ClientPort: 6380, BusPort: 16380, Flags: FlagMaster, ConfigEpoch: 2},
		},
	}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.SenderID != f.Header.SenderID {
		t.Fatalf("SenderID = %q, want %q", got.Header.SenderID, f.Header.SenderID)
	}
	if got.Header.CurrentEpoch != 7 || got.Header.ConfigEpoch != 3 || got.Header.ReplOffset != 1234 {
		t.Fatal("header epoch/offset fields did not round-trip")
	}
	if got.Header.SlotBitmap[0] != 0xFF {
		t.Fatal("slot bitmap did not round-trip")
	}
	if len(got.Gossips) != 1 || got.Gossips[0].NodeID != f.Gossips[0].NodeID {
		t.Fatal("gossip entries did not round-trip")
	}
}

func TestEncodeDecodeFailPayload(t *testing.T) {
	f := &Frame{
		Header: sampleHeader(MsgFail),
		Fail:   &FailPayload{FailingNodeID: "cccccccccccccccccccccccccccccccccccccccc"},
	}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Fail == nil || got.Fail.FailingNodeID != f.Fail.FailingNodeID {
		t.Fatal("FAIL payload did not round-trip")
	}
}

func TestEncodeDecodePublishPayload(t *testing.T) {
	f := &Frame{
		Header:  sampleHeader(MsgPublish),
		Publish: &PublishPayload{Channel: "news", Message: "hello world"},
	}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Publish == nil || got.Publish.Channel != "news" || got.Publish.Message != "hello world" {
		t.Fatal("PUBLISH payload did not round-trip")
	}
}

func TestEncodeDecodeAuthPayload(t *testing.T) {
	f := &Frame{
		Header: sampleHeader(MsgAuthRequest),
		Auth:   &AuthPayload{Epoch: 42, Force: true},
	}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Auth == nil || got.Auth.Epoch != 42 || !got.Auth.Force {
		t.Fatal("AUTH-REQUEST payload did not round-trip")
	}
}

func TestEncodeDecodeUpdatePayload(t *testing.T) {
	var bitmap [NumSlots / 8]byte
	bitmap[10] = 0x01
	f := &Frame{
		Header: sampleHeader(MsgUpdate),
		Update: &UpdatePayload{NodeID: "dddddddddddddddddddddddddddddddddddddddd", ConfigEpoch: 99, SlotBitmap: bitmap},
	}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Update == nil || got.Update.NodeID != f.Update.NodeID || got.Update.ConfigEpoch != 99 {
		t.Fatal("UPDATE payload did not round-trip")
	}
	if got.Update.SlotBitmap[10] != 0x01 {
		t.Fatal("UPDATE slot bitmap did not round-trip")
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	raw, err := Encode(&Frame{Header: sampleHeader(MsgPing)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw[0] = 'X'
	if _, err := Decode(raw); err == nil {
		t.Fatal("Decode should reject a corrupted signature")
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	raw, err := Encode(&Frame{Header: sampleHeader(MsgPing)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(raw[:headerSize-1]); err == nil {
		t.Fatal("Decode should reject a frame shorter than the header")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	raw, err := Encode(&Frame{Header: sampleHeader(MsgPing)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := raw[:len(raw)-1]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("Decode should reject a buffer whose length disagrees with the declared length field")
	}
}

func TestEncodeUnknownMessageType(t *testing.T) {
	f := &Frame{Header: sampleHeader(MsgType(999))}
	if _, err := Encode(f); err == nil {
		t.Fatal("Encode should reject an unknown message type")
	}
}
