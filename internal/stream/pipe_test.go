package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeMsg struct {
	Seq int    `json:"seq"`
	Msg string `json:"msg"`
}

func TestPipeFIFO(t *testing.T) {
	p := NewNamedPipe("validation_requests", 0, nil)
	require.NoError(t, p.Write(pipeMsg{Seq: 1, Msg: "first"}))
	require.NoError(t, p.Write(pipeMsg{Seq: 2, Msg: "second"}))
	assert.Equal(t, 2, p.Len())

	payload, ok := p.Read()
	require.True(t, ok)
	var got pipeMsg
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, 1, got.Seq)

	payload, ok = p.Read()
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, 2, got.Seq)

	_, ok = p.Read()
	assert.False(t, ok, "an empty pipe reads nothing")
}

func TestPipeOverflowDropsNewest(t *testing.T) {
	p := NewNamedPipe("agent_commands", 3, nil)
	for i := 1; i <= 4; i++ {
		require.NoError(t, p.Write(pipeMsg{Seq: i}))
	}

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, uint64(1), p.Dropped())

	// The surviving prefix is messages 1..3; the overflowing write lost.
	for want := 1; want <= 3; want++ {
		payload, ok := p.Read()
		require.True(t, ok)
		var got pipeMsg
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, want, got.Seq)
	}
}

func TestPipeWriteRejectsUnencodable(t *testing.T) {
	p := NewNamedPipe("bad", 0, nil)
	err := p.Write(func() {})
	require.Error(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestPipeReadAll(t *testing.T) {
	p := NewNamedPipe("drain", 0, nil)
	require.NoError(t, p.Write(pipeMsg{Seq: 1}))
	require.NoError(t, p.Write(pipeMsg{Seq: 2}))

	all := p.ReadAll()
	require.Len(t, all, 2)
	assert.Equal(t, 0, p.Len())
}

func TestPipeSetLazyAndSorted(t *testing.T) {
	ps := NewPipeSet(0, nil)
	a := ps.Get("validation_requests")
	b := ps.Get("validation_requests")
	assert.Same(t, a, b, "repeated gets return the same pipe")

	ps.Get("agent_commands")
	ps.Get("expert_answers")
	assert.Equal(t, []string{"agent_commands", "expert_answers", "validation_requests"}, ps.List())
}
