// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes/decodes bus envelopes
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return json.Unmarshal(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}

// PayloadCodec turns response payload strings into values. Decode fails
// for strings that are not in its encoding, in which case the caller
// keeps the raw string.
type PayloadCodec interface {
	EncodePayload(v any) (string, error)
	DecodePayload(s string) (any, error)
}

// CBORPayload carries values as base64 encoded CBOR.
type CBORPayload struct{}

var (
	payloadEnc cbor.EncMode
	payloadDec cbor.DecMode
)

func init() {
	var err error
	payloadEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("busrpc: CBOR encoder initialization failed: " + err.Error())
	}
	payloadDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("busrpc: CBOR decoder initialization failed: " + err.Error())
	}
}

var errEmptyPayload = errors.New("empty payload")

func (CBORPayload) EncodePayload(v any) (string, error) {
	data, err := payloadEnc.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (CBORPayload) DecodePayload(s string) (any, error) {
	if s == "" {
		return nil, errEmptyPayload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var v any
	if err := payloadDec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
