package cache_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setulabs/skp-cache/cache"
)

type testUser struct {
	ID    int64  `cbor:"1,keyasint" json:"id"`
	Name  string `cbor:"2,keyasint" json:"name"`
	Email string `cbor:"3,keyasint" json:"email"`
}

func TestSerializerRoundTrip(t *testing.T) {
	serializers := []cache.Serializer{cache.CBORSerializer{}, cache.JSONSerializer{}}

	for _, s := range serializers {
		t.Run(s.Name(), func(t *testing.T) {
			tests := []struct {
				name  string
				value any
				fresh func() any
			}{
				{"String", "hello", func() any { return new(string) }},
				{"Int", int64(42), func() any { return new(int64) }},
				{"Struct", testUser{ID: 1, Name: "Alice", Email: "alice@example.com"}, func() any { return new(testUser) }},
				{"Slice", []string{"a", "b", "c"}, func() any { return new([]string) }},
				{"Map", map[string]int{"x": 1, "y": 2}, func() any { return new(map[string]int) }},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					data, err := s.Marshal(tt.value)
					require.NoError(t, err)

					out := tt.fresh()
					require.NoError(t, s.Unmarshal(data, out))
					assert.Equal(t, tt.value, reflect.ValueOf(out).Elem().Interface())
				})
			}
		})
	}
}

func TestSerializerDeterminism(t *testing.T) {
	// The coalescer fans one encoded payload out to all waiters; the
	// same value must produce identical bytes every time.
	s := cache.CBORSerializer{}
	value := map[string]any{"b": 2, "a": 1, "c": []int{3, 2, 1}}

	first, err := s.Marshal(value)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Marshal(value)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSerializerErrors(t *testing.T) {
	s := cache.CBORSerializer{}

	var out testUser
	err := s.Unmarshal([]byte{0xff, 0x00, 0x01}, &out)
	var serr *cache.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "unmarshal", serr.Op)

	_, err = cache.JSONSerializer{}.Marshal(make(chan int))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "marshal", serr.Op)
}

func TestEntryEnvelopeRoundTrip(t *testing.T) {
	// The redis backend stores the full entry record so metadata
	// survives the round-trip.
	s := cache.CBORSerializer{}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	entry := cache.NewEntry([]byte("payload"), now)
	entry.TTL = time.Minute
	entry.SWR = 30 * time.Second
	entry.Tags = []string{"users", "hot"}
	entry.Dependencies = []string{"org:1"}
	entry.Cost = 7
	entry.ETag = `W/"abc"`
	entry.Version = 3

	data, err := cache.EncodeEntry(s, entry)
	require.NoError(t, err)

	decoded, err := cache.DecodeEntry(s, data)
	require.NoError(t, err)

	assert.Equal(t, entry.Value, decoded.Value)
	assert.True(t, entry.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, entry.TTL, decoded.TTL)
	assert.Equal(t, entry.SWR, decoded.SWR)
	assert.Equal(t, entry.Tags, decoded.Tags)
	assert.Equal(t, entry.Dependencies, decoded.Dependencies)
	assert.Equal(t, entry.Cost, decoded.Cost)
	assert.Equal(t, entry.ETag, decoded.ETag)
	assert.Equal(t, entry.Version, decoded.Version)
}
