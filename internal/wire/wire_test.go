package wire

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	req := Request{Kind: KindWrite, VolumeID: 1, FileID: 2, FileVersion: 3, Nonce: "abc"}
	if err := Sign(&req, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(req, pub) {
		t.Fatal("expected signature to verify")
	}

	req.FileVersion = 4 // tamper after signing
	if Verify(req, pub) {
		t.Fatal("expected tampered request to fail verification")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Kind: KindPutBlock, FileID: 7, BlockID: 1, Payload: []byte("hello")}
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.FileID != req.FileID || got.BlockID != req.BlockID || string(got.Payload) != "hello" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	var rbuf bytes.Buffer
	rep := Reply{OK: true, Payload: []byte("ok")}
	if err := WriteReply(&rbuf, rep); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	gotRep, err := ReadReply(&rbuf)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if !gotRep.OK || string(gotRep.Payload) != "ok" {
		t.Fatalf("reply round trip mismatch: %+v", gotRep)
	}
}
