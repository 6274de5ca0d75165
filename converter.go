// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedPayload is returned by a MessageConverter to signal that it
// does not handle the given payload; the next converter in the chain is
// tried.
var ErrUnsupportedPayload = errors.New("redq: converter does not support payload")

// MessageConverter converts between payload values and the bytes stored in
// redis. The broker core never assumes a serialization format; converters
// are tried in registration order and the first one that does not return
// ErrUnsupportedPayload wins.
type MessageConverter interface {
	// ToPayload encodes v into payload bytes.
	ToPayload(v interface{}) ([]byte, error)

	// FromPayload decodes stored payload bytes into a value.
	FromPayload(data []byte) (interface{}, error)
}

// JSONMessageConverter converts any JSON-serializable value.
type JSONMessageConverter struct{}

func (JSONMessageConverter) ToPayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	return data, nil
}

func (JSONMessageConverter) FromPayload(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
	}
	return v, nil
}

// StringMessageConverter handles string and []byte payloads verbatim.
type StringMessageConverter struct{}

func (StringMessageConverter) ToPayload(v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	}
	return nil, ErrUnsupportedPayload
}

func (StringMessageConverter) FromPayload(data []byte) (interface{}, error) {
	return string(data), nil
}

// converterChain tries each converter in order.
type converterChain []MessageConverter

func (c converterChain) ToPayload(v interface{}) ([]byte, error) {
	for _, conv := range c {
		data, err := conv.ToPayload(v)
		if errors.Is(err, ErrUnsupportedPayload) {
			continue
		}
		return data, err
	}
	return nil, ErrUnsupportedPayload
}

func (c converterChain) FromPayload(data []byte) (interface{}, error) {
	for _, conv := range c {
		v, err := conv.FromPayload(data)
		if errors.Is(err, ErrUnsupportedPayload) {
			continue
		}
		return v, err
	}
	return nil, ErrUnsupportedPayload
}
