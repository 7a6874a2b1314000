package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/census/internal/cluster"
)

// ErrorKind classifies a failure reported back to an originator.
type ErrorKind string

const (
	ErrorMalformed       ErrorKind = "malformed"
	ErrorTruncated       ErrorKind = "truncated"
	ErrorTooLarge        ErrorKind = "too_large"
	ErrorPeerUnreachable ErrorKind = "peer_unreachable"
	ErrorTimeout         ErrorKind = "timeout"
	ErrorInternal        ErrorKind = "internal"
)

// errorKey names the envelope field. It can never collide with a
// stringified record id.
const errorKey = "error"

// maxErrorMessage keeps error envelopes comfortably inside one datagram.
const maxErrorMessage = 512

// RemoteError is a failure reported by the peer in an error envelope.
type RemoteError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s", e.Kind, e.Message)
}

// EncodeReply serializes a successful result as {"<id>": record, ...}.
func EncodeReply(rs cluster.ResultSet) ([]byte, error) {
	if rs == nil {
		rs = cluster.ResultSet{}
	}
	buf, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode reply: %w", err)
	}
	return buf, nil
}

// EncodeError serializes an error envelope {"error":{"kind":...,"message":...}}.
func EncodeError(kind ErrorKind, msg string) []byte {
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	buf, err := json.Marshal(map[string]RemoteError{
		errorKey: {Kind: kind, Message: msg},
	})
	if err != nil {
		// only strings are marshaled here
		panic(err)
	}
	return buf
}

// DecodeReply parses a reply datagram. An error envelope is returned as a
// *RemoteError; anything unparseable as a *DecodeError.
func DecodeReply(b []byte) (cluster.ResultSet, error) {
	obj, err := decodeObject(b)
	if err != nil {
		return nil, err
	}

	if raw, ok := obj[errorKey]; ok {
		var remote RemoteError
		if err := strictUnmarshal(raw, &remote); err != nil {
			return nil, malformed("error envelope", err)
		}
		if remote.Kind == "" {
			return nil, malformed("error envelope: missing kind", nil)
		}
		return nil, &remote
	}

	rs := make(cluster.ResultSet, len(obj))
	for key, raw := range obj {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, malformed(fmt.Sprintf("record %q", key), err)
		}
		if rec.Key() != key {
			return nil, malformed(fmt.Sprintf("record %q holds record_id %d", key, rec.ID), nil)
		}
		rs[key] = rec
	}
	return rs, nil
}

// decodeRecord parses one record and requires every field.
func decodeRecord(raw json.RawMessage) (cluster.Record, error) {
	var wire struct {
		ID       *uint64 `json:"record_id"`
		Name     *string `json:"name"`
		Location *string `json:"location"`
		Year     *uint16 `json:"year"`
	}
	if err := strictUnmarshal(raw, &wire); err != nil {
		return cluster.Record{}, err
	}
	if wire.ID == nil || wire.Name == nil || wire.Location == nil || wire.Year == nil {
		return cluster.Record{}, errors.New("record_id, name, location and year are required")
	}
	return cluster.Record{ID: *wire.ID, Name: *wire.Name, Location: *wire.Location, Year: *wire.Year}, nil
}

// KindOf maps a codec error onto the envelope kind reported for it.
// Errors outside this package map to ErrorInternal.
func KindOf(err error) ErrorKind {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Kind
	case errors.Is(err, ErrTruncated):
		return ErrorTruncated
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrNilCall):
		return ErrorMalformed
	case errors.Is(err, ErrTooLarge):
		return ErrorTooLarge
	default:
		return ErrorInternal
	}
}
