// Package client implements the typed cluster-client proxy described in
// spec §4.9: argument/return conversion, envelope construction, a
// correlation map awaiting transport-delivered responses, and a
// circuit-breaker-guarded retry loop.
package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/webitel/quark/internal/domain/quarkerr"
)

// Converter encodes and decodes one method's parameter or return value.
// Registered per (methodName, slot) so different methods on the same proxy
// can use different wire formats for the same logical position.
type Converter interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}

// Slot identifies which position within a method call a Converter governs:
// "arg" (the single request payload, already aggregated by the caller) or
// "return" (the response payload).
type Slot string

const (
	SlotArg    Slot = "arg"
	SlotReturn Slot = "return"
)

type converterKey struct {
	method string
	slot   Slot
}

// ConverterRegistry maps (methodName, slot) to the Converter that method
// uses for that slot, falling back to JSON when nothing was registered
// (§4.9 "serializes arguments via registered converters").
type ConverterRegistry struct {
	mu         sync.RWMutex
	converters map[converterKey]Converter
	fallback   Converter
}

// NewConverterRegistry builds a registry defaulting every unregistered slot
// to JSON.
func NewConverterRegistry() *ConverterRegistry {
	return &ConverterRegistry{
		converters: make(map[converterKey]Converter),
		fallback:   JSONConverter{},
	}
}

// Register binds converter to (method, slot).
func (r *ConverterRegistry) Register(method string, slot Slot, converter Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[converterKey{method: method, slot: slot}] = converter
}

// For returns the Converter bound to (method, slot), or the JSON fallback.
func (r *ConverterRegistry) For(method string, slot Slot) Converter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.converters[converterKey{method: method, slot: slot}]; ok {
		return c
	}
	return r.fallback
}

// JSONConverter is the default Converter for any slot without an explicit
// registration.
type JSONConverter struct{}

func (JSONConverter) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, quarkerr.Wrap(quarkerr.TransportFailed, "json encode failed", err)
	}
	return b, nil
}

func (JSONConverter) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "json decode failed", err)
	}
	return nil
}

// ProtoConverter encodes/decodes protobuf messages directly, registered for
// methods whose declared interface uses generated proto types instead of
// plain structs.
type ProtoConverter struct{}

func (ProtoConverter) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, quarkerr.New(quarkerr.TransportFailed, fmt.Sprintf("proto converter: %T is not a proto.Message", v))
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return nil, quarkerr.Wrap(quarkerr.TransportFailed, "proto encode failed", err)
	}
	return b, nil
}

func (ProtoConverter) Decode(data []byte, out any) error {
	msg, ok := out.(proto.Message)
	if !ok {
		return quarkerr.New(quarkerr.TransportFailed, fmt.Sprintf("proto converter: %T is not a proto.Message", out))
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return quarkerr.Wrap(quarkerr.TransportFailed, "proto decode failed", err)
	}
	return nil
}
