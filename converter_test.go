// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package redq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONMessageConverter(t *testing.T) {
	conv := JSONMessageConverter{}

	data, err := conv.ToPayload(map[string]interface{}{"user_id": 42})
	require.NoError(t, err)

	v, err := conv.FromPayload(data)
	require.NoError(t, err)
	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), m["user_id"])

	_, err = conv.FromPayload([]byte("{broken"))
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
}

func TestStringMessageConverter(t *testing.T) {
	conv := StringMessageConverter{}

	data, err := conv.ToPayload("hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = conv.ToPayload([]byte{0x1, 0x2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1, 0x2}, data)

	_, err = conv.ToPayload(42)
	assert.ErrorIs(t, err, ErrUnsupportedPayload)

	v, err := conv.FromPayload([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestConverterChainTriesInOrder(t *testing.T) {
	// The string converter cannot handle non-string values; the chain must
	// fall through to JSON.
	chain := converterChain{StringMessageConverter{}, JSONMessageConverter{}}

	data, err := chain.ToPayload(42)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), data)

	// The first converter that handles the value wins.
	data, err = chain.ToPayload("plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), data)

	// FromPayload: the string converter accepts everything, so it wins even
	// for JSON documents.
	v, err := chain.FromPayload([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)
}

func TestConverterChainExhausted(t *testing.T) {
	chain := converterChain{StringMessageConverter{}}
	_, err := chain.ToPayload(struct{ N int }{1})
	assert.ErrorIs(t, err, ErrUnsupportedPayload)

	empty := converterChain{}
	_, err = empty.FromPayload([]byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
}
