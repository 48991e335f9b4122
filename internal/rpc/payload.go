package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// Payloads travel as google.protobuf.Struct carrying the same JSON documents
// the REST transport serves. Integers above 2^53 lose precision on the way
// through, which no field in the store reaches.

// listKey wraps array results, since a Struct must be an object.
const listKey = "items"

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

func encodeList[T any](items []T) (*structpb.Struct, error) {
	if items == nil {
		items = []T{}
	}
	return encode(map[string][]T{listKey: items})
}

// decode fills v from s. A nil s decodes as an empty object.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, storeerr.ErrValidation)
	}
	return nil
}

func decodeList[T any](s *structpb.Struct) ([]T, error) {
	var wrapped struct {
		Items []T `json:"items"`
	}
	if err := decode(s, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Items, nil
}
