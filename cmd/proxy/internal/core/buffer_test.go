package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolAcquire(t *testing.T) {
	for _, strategy := range []BufferStrategy{BufferReusable, BufferEphemeral} {
		t.Run(string(strategy), func(t *testing.T) {
			p := NewBufferPool(512, strategy)
			assert.Equal(t, 512, p.Size())
			assert.Equal(t, strategy, p.Strategy())

			// More acquires than releases must still succeed.
			held := make([][]byte, 0, 64)
			for i := 0; i < 64; i++ {
				b := p.Acquire()
				require.Len(t, b, 512)
				held = append(held, b)
			}
			for _, b := range held {
				p.Release(b)
			}
			assert.Len(t, p.Acquire(), 512)
		})
	}
}

func TestBufferPoolReleaseShortBuffer(t *testing.T) {
	p := NewBufferPool(64, BufferReusable)
	p.Release(make([]byte, 8))
	assert.Len(t, p.Acquire(), 64)
}

func TestBufferPoolReleaseResetsLength(t *testing.T) {
	p := NewBufferPool(64, BufferReusable)
	b := p.Acquire()
	p.Release(b[:3])
	assert.Len(t, p.Acquire(), 64)
}

func TestBufferPoolDefaults(t *testing.T) {
	p := NewBufferPool(0, "")
	assert.Equal(t, DefaultBufferSize, p.Size())
	assert.Equal(t, BufferReusable, p.Strategy())
}

func TestParseBufferStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    BufferStrategy
		wantErr bool
	}{
		{in: "", want: BufferReusable},
		{in: "reusable", want: BufferReusable},
		{in: "Direct", want: BufferReusable},
		{in: "ephemeral", want: BufferEphemeral},
		{in: "heap", want: BufferEphemeral},
		{in: "mmap", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBufferStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
