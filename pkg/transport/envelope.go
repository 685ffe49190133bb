package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cuemby/raftcore/pkg/raft"
	"github.com/cuemby/raftcore/pkg/snapshot"
)

// Kind tags which payload an Envelope carries. The retrieval pack shipped
// no .proto sources for this protocol, so the wire format here is a gob
// envelope carried over a gRPC bidi stream rather than hand-authored
// generated protobuf code (see DESIGN.md).
type Kind uint8

const (
	KindRaftMessage Kind = iota + 1
	KindSignatureRequest
	KindSignatureResult
	KindCP
	KindMV
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindRaftMessage:
		return "raft"
	case KindSignatureRequest:
		return "signature_request"
	case KindSignatureResult:
		return "signature_result"
	case KindCP:
		return "install_snapshot_cp"
	case KindMV:
		return "install_snapshot_mv"
	case KindResult:
		return "install_snapshot_result"
	default:
		return "unknown"
	}
}

// Envelope is the single message type the Stream RPC exchanges in both
// directions; Payload is a gob encoding of the type Kind names.
type Envelope struct {
	Kind    Kind
	From    uint64
	Payload []byte
}

func encodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func newEnvelope(from uint64, kind Kind, payload interface{}) (*Envelope, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: kind, From: from, Payload: data}, nil
}

func (e *Envelope) decodeRaftMessage() (raft.Message, error) {
	var m raft.Message
	err := decodePayload(e.Payload, &m)
	return m, err
}

func (e *Envelope) decodeSignatureRequest() (snapshot.SignatureRequest, error) {
	var v snapshot.SignatureRequest
	err := decodePayload(e.Payload, &v)
	return v, err
}

func (e *Envelope) decodeSignatureResult() (snapshot.SignatureResult, error) {
	var v snapshot.SignatureResult
	err := decodePayload(e.Payload, &v)
	return v, err
}

func (e *Envelope) decodeCP() (snapshot.CP, error) {
	var v snapshot.CP
	err := decodePayload(e.Payload, &v)
	return v, err
}

func (e *Envelope) decodeMV() (snapshot.MV, error) {
	var v snapshot.MV
	err := decodePayload(e.Payload, &v)
	return v, err
}

func (e *Envelope) decodeResult() (snapshot.Result, error) {
	var v snapshot.Result
	err := decodePayload(e.Payload, &v)
	return v, err
}
