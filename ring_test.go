package hrfsring

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	var (
		newNode = func(b byte, port int) RingNode {
			return CreateNode(Hash{b}, Endpoint{Host: "10.0.0.1", Port: port})
		}
		newRing = func(nodes ...RingNode) *Ring {
			var ring = NewRing(HashSHA1)
			for _, node := range nodes {
				ring = ring.Add(node)
			}
			return ring
		}
		hashes = func(r *Ring) []string {
			var out []string
			for _, member := range r.Members() {
				out = append(out, member.Hash.String())
			}
			return out
		}
	)

	t.Run("should create empty ring with hash function id", func(t *testing.T) {
		// Arrange & Act
		var sut = NewRing(HashSHA1)

		// Assert
		require.NotNil(t, sut)
		assert.Equal(t, HashSHA1, sut.HashFunctionID())
		assert.Equal(t, 0, sut.Len())
		assert.NotNil(t, sut.HashFunction())
	})

	t.Run("should keep members sorted by hash", func(t *testing.T) {
		// Arrange & Act
		var sut = newRing(newNode(0x30, 1), newNode(0x10, 2), newNode(0x20, 3))

		// Assert
		assert.Equal(t, []string{"10", "20", "30"}, hashes(sut))
	})

	t.Run("should not modify ring on add", func(t *testing.T) {
		// Arrange
		var (
			sut  = newRing(newNode(0x10, 1))
			node = newNode(0x20, 2)
		)

		// Act
		var next = sut.Add(node)

		// Assert
		assert.NotSame(t, sut, next)
		assert.False(t, sut.Contains(node))
		assert.True(t, next.Contains(node))
		assert.Equal(t, 1, sut.Len())
		assert.Equal(t, 2, next.Len())
	})

	t.Run("should replace member with same hash on add", func(t *testing.T) {
		// Arrange
		var sut = newRing(newNode(0x10, 1), newNode(0x20, 2))

		// Act
		var next = sut.Add(newNode(0x10, 9))

		// Assert
		assert.Equal(t, 2, next.Len())
		var member, ok = next.Member(Hash{0x10})
		require.True(t, ok)
		assert.Equal(t, 9, member.Endpoint.Port)
	})

	t.Run("should not share hash bytes with the caller", func(t *testing.T) {
		// Arrange
		var hash = Hash{0x10}
		var sut = newRing(CreateNode(hash, Endpoint{Host: "a", Port: 1}))

		// Act
		hash[0] = 0xff

		// Assert
		assert.True(t, sut.Contains(newNode(0x10, 1)))
	})

	t.Run("should remove member without modifying ring", func(t *testing.T) {
		// Arrange
		var sut = newRing(newNode(0x10, 1), newNode(0x20, 2))

		// Act
		var next = sut.Remove(newNode(0x10, 0))

		// Assert
		assert.Equal(t, []string{"20"}, hashes(next))
		assert.Equal(t, []string{"10", "20"}, hashes(sut))
	})

	t.Run("should return ceiling member on get", func(t *testing.T) {
		// Arrange
		var sut = newRing(newNode(0x10, 1), newNode(0x20, 2), newNode(0x30, 3))

		testCases := []struct {
			name     string
			query    Hash
			expected int
		}{
			{name: "below first", query: Hash{0x01}, expected: 1},
			{name: "exact match", query: Hash{0x20}, expected: 2},
			{name: "between members", query: Hash{0x21}, expected: 3},
			{name: "past last wraps", query: Hash{0x31}, expected: 1},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				// Act
				var node, ok = sut.Get(tc.query)

				// Assert
				require.True(t, ok)
				assert.Equal(t, tc.expected, node.Endpoint.Port)
			})
		}
	})

	t.Run("should never miss on non-empty ring", func(t *testing.T) {
		// Arrange
		var (
			rng = rand.New(rand.NewSource(42))
			fn  = LookupHashFunction(HashSHA1)
			sut = NewRing(HashSHA1)
		)
		for i := range 16 {
			sut = sut.Add(CreateNode(fn.Sum([]byte{byte(i)}), Endpoint{Host: "h", Port: i + 1}))
		}
		var members = sut.Members()

		for range 500 {
			var query = make(Hash, fn.Size())
			rng.Read(query)

			// Act
			var node, ok = sut.Get(query)

			// Assert
			require.True(t, ok)
			var expected = members[0]
			for _, member := range members {
				if member.Hash.Compare(query) >= 0 {
					expected = member
					break
				}
			}
			assert.True(t, expected.Equal(node), "query %s", query)
		}
	})

	t.Run("should fail lookup on empty ring", func(t *testing.T) {
		// Arrange
		var sut = NewRing(HashSHA1)

		// Act
		var _, err = sut.Lookup([]byte("key"))

		// Assert
		assert.ErrorIs(t, err, ErrEmptyRing)
	})

	t.Run("should fail lookup with unknown hash function", func(t *testing.T) {
		// Arrange
		var sut = NewRing("CRC32").Add(newNode(0x10, 1))

		// Act
		var _, err = sut.Lookup([]byte("key"))

		// Assert
		assert.ErrorIs(t, err, ErrUnknownHashFunction)
	})

	t.Run("should compare rings by value", func(t *testing.T) {
		// Arrange
		var (
			a = newRing(newNode(0x10, 1), newNode(0x20, 2))
			b = newRing(newNode(0x20, 2), newNode(0x10, 1))
			c = newRing(newNode(0x20, 2), newNode(0x10, 5))
		)

		// Assert
		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c), "endpoint change must count as a change")
		assert.False(t, a.Equal(nil))
		assert.Empty(t, cmp.Diff(hashes(a), hashes(b)))
	})

	t.Run("should render topology", func(t *testing.T) {
		// Arrange
		var sut = newRing(newNode(0x10, 1))

		// Act
		var out = sut.String()

		// Assert
		assert.Contains(t, out, "Members: 1")
		assert.Contains(t, out, "10.0.0.1:1")
		assert.Contains(t, NewRing(HashSHA1).String(), "[Empty Ring]")
	})
}

func TestEndpoint(t *testing.T) {
	t.Run("should parse host and port", func(t *testing.T) {
		// Act
		var ep, err = ParseEndpoint("node-a:7000")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, Endpoint{Host: "node-a", Port: 7000}, ep)
		assert.Equal(t, "node-a:7000", ep.String())
	})

	t.Run("should reject invalid port", func(t *testing.T) {
		// Act
		var _, err = ParseEndpoint("node-a:99999")

		// Assert
		assert.Error(t, err)
	})
}
