// Package transport moves batches of change identifiers between processes.
// Only identifiers cross the wire; receivers resolve changes from their own
// store.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrInvalidBatch indicates a payload that does not decode to a batch.
	ErrInvalidBatch = errors.New("transport: invalid batch")
	// ErrClosed indicates an operation on a closed publisher or subscriber.
	ErrClosed = errors.New("transport: closed")
)

// Batch is an ordered list of stable change identifiers.
type Batch struct {
	IDs []string `json:"ids"`
}

// Publisher sends encoded batches to the rendezvous point.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Subscriber receives encoded batches from the rendezvous point.
type Subscriber interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Codec converts batches to and from wire payloads.
type Codec interface {
	Name() string
	Encode(batch Batch) ([]byte, error)
	Decode(payload []byte) (Batch, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown codec %q", name)
	}
}

// JSONCodec encodes batches as {"ids": [...]}.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(batch Batch) ([]byte, error) {
	return json.Marshal(batch)
}

func (JSONCodec) Decode(payload []byte) (Batch, error) {
	var batch Batch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return batch, nil
}

// ProtoCodec encodes batches as a protobuf ListValue of strings.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(batch Batch) ([]byte, error) {
	values := make([]*structpb.Value, 0, len(batch.IDs))
	for _, id := range batch.IDs {
		values = append(values, structpb.NewStringValue(id))
	}
	return proto.Marshal(&structpb.ListValue{Values: values})
}

func (ProtoCodec) Decode(payload []byte) (Batch, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(payload, &list); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	ids := make([]string, 0, len(list.GetValues()))
	for index, value := range list.GetValues() {
		stringValue, ok := value.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return Batch{}, fmt.Errorf("%w: element %d is not a string", ErrInvalidBatch, index)
		}
		ids = append(ids, stringValue.StringValue)
	}
	return Batch{IDs: ids}, nil
}
