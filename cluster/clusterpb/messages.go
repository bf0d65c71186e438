// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clusterpb holds the wire messages and the gRPC service of the
// cluster token protocol described in cluster.proto.
package clusterpb

import (
	"fmt"
	"sort"

	"github.com/sluice-dev/sluice/cluster"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a wire message of the token protocol.
type Message interface {
	// AppendWire appends the protobuf encoding of the message to b.
	AppendWire(b []byte) []byte
	// UnmarshalWire replaces the message with the decoding of b.
	UnmarshalWire(b []byte) error
}

// PingRequest binds a client connection to a namespace.
type PingRequest struct {
	Namespace string
}

// TokenRequest asks for tokens of a QPS or parameter flow.
type TokenRequest struct {
	FlowID       int64
	AcquireCount int64
	Prioritized  bool
	Params       []string
}

// BatchTokenRequest asks for tokens of several flows at once.
type BatchTokenRequest struct {
	Requests []*TokenRequest
}

// ConcurrentTokenRequest asks for a concurrency lease.
type ConcurrentTokenRequest struct {
	FlowID       int64
	AcquireCount int64
}

// ReleaseRequest returns a concurrency lease.
type ReleaseRequest struct {
	TokenID int64
}

// TokenResponse carries a cluster.TokenResult.
type TokenResponse struct {
	Status      int32
	Remaining   int64
	WaitMs      int64
	TokenID     int64
	Attachments map[string]string
}

// FromResult converts a result to its wire form.
func FromResult(r *cluster.TokenResult) *TokenResponse {
	if r == nil {
		r = cluster.FailResult(nil)
	}
	return &TokenResponse{
		Status:      int32(r.Status),
		Remaining:   r.Remaining,
		WaitMs:      r.WaitMs,
		TokenID:     r.TokenID,
		Attachments: r.Attachments,
	}
}

// Result converts the response to a cluster.TokenResult.
func (m *TokenResponse) Result() *cluster.TokenResult {
	return &cluster.TokenResult{
		Status:      cluster.TokenStatus(m.Status),
		Remaining:   m.Remaining,
		WaitMs:      m.WaitMs,
		TokenID:     m.TokenID,
		Attachments: m.Attachments,
	}
}

// FromRequest converts a batch entry to its wire form.
func FromRequest(r cluster.TokenRequest) *TokenRequest {
	return &TokenRequest{FlowID: r.FlowID, AcquireCount: r.AcquireCount, Prioritized: r.Prioritized, Params: r.Params}
}

// Request converts the message to a batch entry.
func (m *TokenRequest) Request() cluster.TokenRequest {
	return cluster.TokenRequest{FlowID: m.FlowID, AcquireCount: m.AcquireCount, Prioritized: m.Prioritized, Params: m.Params}
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.AppendWire(nil))
}

// fieldFunc decodes the value of field num from b and returns the number of
// bytes consumed. It returns -1 for fields it does not know.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func parseFields(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := f(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %v", num, err)
		}
		if m < 0 {
			// Skip unknown fields.
			if m = protowire.ConsumeFieldValue(num, typ, b); m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeInt(typ protowire.Type, b []byte, v *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("wire type %v, want varint", typ)
	}
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = int64(x)
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, v *bool) (int, error) {
	var x int64
	n, err := consumeInt(typ, b, &x)
	*v = x != 0
	return n, err
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %v, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, v *string) (int, error) {
	s, n, err := consumeBytes(typ, b)
	*v = string(s)
	return n, err
}

// AppendWire implements Message.
func (m *PingRequest) AppendWire(b []byte) []byte {
	if m.Namespace != "" {
		b = appendString(b, 1, m.Namespace)
	}
	return b
}

// UnmarshalWire implements Message.
func (m *PingRequest) UnmarshalWire(b []byte) error {
	*m = PingRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Namespace)
		}
		return -1, nil
	})
}

// AppendWire implements Message.
func (m *TokenRequest) AppendWire(b []byte) []byte {
	b = appendInt(b, 1, m.FlowID)
	b = appendInt(b, 2, m.AcquireCount)
	b = appendBool(b, 3, m.Prioritized)
	for _, p := range m.Params {
		b = appendString(b, 4, p)
	}
	return b
}

// UnmarshalWire implements Message.
func (m *TokenRequest) UnmarshalWire(b []byte) error {
	*m = TokenRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &m.FlowID)
		case 2:
			return consumeInt(typ, b, &m.AcquireCount)
		case 3:
			return consumeBool(typ, b, &m.Prioritized)
		case 4:
			var p string
			n, err := consumeString(typ, b, &p)
			m.Params = append(m.Params, p)
			return n, err
		}
		return -1, nil
	})
}

// AppendWire implements Message.
func (m *BatchTokenRequest) AppendWire(b []byte) []byte {
	for _, r := range m.Requests {
		b = appendMessage(b, 1, r)
	}
	return b
}

// UnmarshalWire implements Message.
func (m *BatchTokenRequest) UnmarshalWire(b []byte) error {
	*m = BatchTokenRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		r := &TokenRequest{}
		if err := r.UnmarshalWire(v); err != nil {
			return 0, err
		}
		m.Requests = append(m.Requests, r)
		return n, nil
	})
}

// AppendWire implements Message.
func (m *ConcurrentTokenRequest) AppendWire(b []byte) []byte {
	b = appendInt(b, 1, m.FlowID)
	return appendInt(b, 2, m.AcquireCount)
}

// UnmarshalWire implements Message.
func (m *ConcurrentTokenRequest) UnmarshalWire(b []byte) error {
	*m = ConcurrentTokenRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &m.FlowID)
		case 2:
			return consumeInt(typ, b, &m.AcquireCount)
		}
		return -1, nil
	})
}

// AppendWire implements Message.
func (m *ReleaseRequest) AppendWire(b []byte) []byte {
	return appendInt(b, 1, m.TokenID)
}

// UnmarshalWire implements Message.
func (m *ReleaseRequest) UnmarshalWire(b []byte) error {
	*m = ReleaseRequest{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeInt(typ, b, &m.TokenID)
		}
		return -1, nil
	})
}

// AppendWire implements Message. Attachments are written in key order.
func (m *TokenResponse) AppendWire(b []byte) []byte {
	b = appendInt(b, 1, int64(m.Status))
	b = appendInt(b, 2, m.Remaining)
	b = appendInt(b, 3, m.WaitMs)
	b = appendInt(b, 4, m.TokenID)
	keys := make([]string, 0, len(m.Attachments))
	for k := range m.Attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m.Attachments[k])
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// UnmarshalWire implements Message.
func (m *TokenResponse) UnmarshalWire(b []byte) error {
	*m = TokenResponse{}
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v int64
			n, err := consumeInt(typ, b, &v)
			m.Status = int32(v)
			return n, err
		case 2:
			return consumeInt(typ, b, &m.Remaining)
		case 3:
			return consumeInt(typ, b, &m.WaitMs)
		case 4:
			return consumeInt(typ, b, &m.TokenID)
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var key, value string
			err = parseFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(typ, b, &key)
				case 2:
					return consumeString(typ, b, &value)
				}
				return -1, nil
			})
			if err != nil {
				return 0, err
			}
			if m.Attachments == nil {
				m.Attachments = make(map[string]string)
			}
			m.Attachments[key] = value
			return n, nil
		}
		return -1, nil
	})
}
