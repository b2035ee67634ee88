package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

type greeting struct{ who string }

func (greeting) Name() string { return "greeting" }

func TestPayloadVariants(t *testing.T) {
	n, ok := Int(42).Int()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	s, ok := Text("hi").Text()
	assert.True(t, ok)
	assert.Equal(t, "hi", s)

	_, ok = Text("hi").Int()
	assert.False(t, ok)

	m, ok := Msg(greeting{who: "bob"}).Message()
	assert.True(t, ok)
	assert.Equal(t, "bob", m.(greeting).who)
	assert.Equal(t, "greeting", Msg(greeting{}).Name())

	assert.True(t, Payload{}.IsEmpty())
	assert.True(t, Msg(nil).IsEmpty())
}

func TestPayloadBytesInlineAndHeap(t *testing.T) {
	small := bytes.Repeat([]byte{1}, InlineSize)
	large := bytes.Repeat([]byte{2}, InlineSize+1)

	p := Bytes(small)
	assert.True(t, p.Inline())
	got, ok := p.Bytes()
	assert.True(t, ok)
	assert.Equal(t, small, got)

	q := Bytes(large)
	assert.False(t, q.Inline())
	got, _ = q.Bytes()
	assert.Equal(t, large, got)

	large[0] = 9
	got, _ = q.Bytes()
	assert.Equal(t, byte(2), got[0], "payload owns a copy")
}

func TestPayloadString(t *testing.T) {
	assert.Equal(t, "7", Int(7).String())
	assert.Equal(t, `"x"`, Text("x").String())
	assert.Equal(t, "bytes[3]", Bytes([]byte("abc")).String())
	assert.Equal(t, "<empty>", Payload{}.String())
}
