package chunk_test

import (
	"testing"
	"time"

	"github.com/iotrpc/runtime/chunk"
	"github.com/stretchr/testify/require"
)

func TestSplitAndReassemble(t *testing.T) {
	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}

	chunks, err := chunk.Split("msg-1", payload, 100, time.Minute)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, 3, chunks[0].Header.TotalChunks)
	require.NotEmpty(t, chunks[0].Header.Checksum)
	require.Empty(t, chunks[1].Header.Checksum)

	r := chunk.NewReassembler()
	now := time.Now()

	var result []byte
	for _, c := range chunks {
		full, ok, err := r.Add(c.Header, c.Payload, now)
		require.NoError(t, err)
		if ok {
			result = full
		}
	}

	require.Equal(t, payload, result)
}

func TestReassembleOutOfOrder(t *testing.T) {
	payload := []byte("a payload that spans several chunks of data")
	chunks, err := chunk.Split("msg-2", payload, 10, time.Minute)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	r := chunk.NewReassembler()
	now := time.Now()

	var result []byte
	for i := len(chunks) - 1; i >= 0; i-- {
		full, ok, err := r.Add(chunks[i].Header, chunks[i].Payload, now)
		require.NoError(t, err)
		if ok {
			result = full
		}
	}

	require.Equal(t, payload, result)
}

func TestReassembleRejectsChecksumMismatch(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	chunks, err := chunk.Split("msg-3", payload, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	chunks[1].Payload = []byte("tampereddata")

	r := chunk.NewReassembler()
	now := time.Now()

	_, _, err = r.Add(chunks[0].Header, chunks[0].Payload, now)
	require.NoError(t, err)

	_, ok, err := r.Add(chunks[1].Header, chunks[1].Payload, now)
	require.False(t, ok)
	require.Error(t, err)
}

func TestSweepDiscardsExpiredPartialSet(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	chunks, err := chunk.Split("msg-4", payload, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	r := chunk.NewReassembler()
	now := time.Now()

	_, ok, err := r.Add(chunks[0].Header, chunks[0].Payload, now)
	require.NoError(t, err)
	require.False(t, ok)

	r.Sweep(now.Add(time.Hour))

	_, ok, err = r.Add(chunks[1].Header, chunks[1].Payload, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "chunk 1 alone without a re-sent chunk 0 cannot complete")
}

func TestHeaderRoundTrip(t *testing.T) {
	h := chunk.Header{MessageID: "m", ChunkIndex: 0, TotalChunks: 2, Checksum: "abc"}
	s, err := chunk.MarshalHeader(h)
	require.NoError(t, err)

	decoded, err := chunk.UnmarshalHeader(s)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}
