package hrfsring

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Hash function identifiers stored in the published ring.
const (
	HashSHA1   = "SHA1"
	HashSHA256 = "SHA256"
	HashMD5    = "MD5"
	HashXXH64  = "XXH64"

	DefaultHashFunctionID = HashSHA1
)

// HashFunction turns bytes into ring positions.
type HashFunction interface {
	// ID is the stable name the function is serialized as.
	ID() string
	// Size is the width of produced hashes in bytes.
	Size() int
	Sum(data []byte) Hash
}

type hashFunction struct {
	id   string
	size int
	sum  func(data []byte) Hash
}

func (f hashFunction) ID() string           { return f.id }
func (f hashFunction) Size() int            { return f.size }
func (f hashFunction) Sum(data []byte) Hash { return f.sum(data) }

// LookupHashFunction resolves an identifier to its hash function.
// It returns nil for unknown identifiers, callers must check.
func LookupHashFunction(id string) HashFunction {
	switch strings.ToUpper(id) {
	case HashSHA1:
		return hashFunction{id: HashSHA1, size: sha1.Size, sum: func(data []byte) Hash {
			var sum = sha1.Sum(data)
			return sum[:]
		}}
	case HashSHA256:
		return hashFunction{id: HashSHA256, size: sha256.Size, sum: func(data []byte) Hash {
			var sum = sha256.Sum256(data)
			return sum[:]
		}}
	case HashMD5:
		return hashFunction{id: HashMD5, size: md5.Size, sum: func(data []byte) Hash {
			var sum = md5.Sum(data)
			return sum[:]
		}}
	case HashXXH64:
		return hashFunction{id: HashXXH64, size: 8, sum: func(data []byte) Hash {
			var out = make([]byte, 8)
			binary.BigEndian.PutUint64(out, xxhash.Sum64(data))
			return out
		}}
	default:
		return nil
	}
}
