// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Response envelope actions.
const (
	ActionResponse = "rsp"
	ActionError    = "err"
)

// OptionLogEndpoint is the request option naming the topic remote logs
// are forwarded to.
const OptionLogEndpoint = "logEndpoint"

// Canned replies used to fail calls the bus will never answer.
var (
	accessDeniedReply   = []byte(`{"a":"err","p":"Access denied"}`)
	connectionLostReply = []byte(`{"a":"err","p":"Connection lost"}`)
)

// RequestEnvelope is the body published to an endpoint topic.
type RequestEnvelope struct {
	Args    map[string]any    `json:"args"`
	Hash    string            `json:"hash"`
	Callers []string          `json:"callers"`
	User    string            `json:"user"`
	Options map[string]string `json:"options"`
}

// NewRequestEnvelope builds an envelope for args and computes its hash.
func NewRequestEnvelope(args map[string]any, callers []string, user string) (*RequestEnvelope, error) {
	if args == nil {
		args = map[string]any{}
	}
	hash, err := HashArgs(args)
	if err != nil {
		return nil, err
	}
	if callers == nil {
		callers = []string{}
	}
	return &RequestEnvelope{
		Args:    args,
		Hash:    hash,
		Callers: callers,
		User:    user,
		Options: map[string]string{},
	}, nil
}

// ResponseEnvelope is the body a remote endpoint replies with.
type ResponseEnvelope struct {
	Action  string          `json:"a"`
	Payload json.RawMessage `json:"p"`
}

// HashArgs returns the lowercase hex BLAKE3 digest of the canonical JSON
// form of args. Map keys are sorted at every level, so the digest does
// not depend on insertion order.
func HashArgs(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := canonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("hashing args: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON encodes v with sorted object keys and without HTML
// escaping.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// decodeReplyPayload turns the p field of a response into a value. String
// payloads are tried against the payload codec first and fall back to the
// raw string.
func decodeReplyPayload(raw json.RawMessage, pc PayloadCodec) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if pc != nil {
			if v, err := pc.DecodePayload(s); err == nil {
				return v, nil
			}
		}
		return s, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
