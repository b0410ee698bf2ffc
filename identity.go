package hrfsring

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// LoadOrCreateNodeID reads the node identity from <dir>/uuid, generating and
// persisting a random one on first start. Losing the file changes the node's
// hash and therefore its ring position.
//
// The file is guarded by an advisory lock so two processes sharing a data
// directory cannot both generate an identity.
func LoadOrCreateNodeID(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	var (
		path = filepath.Join(dir, IdentityFileName)
		lock = flock.New(path + ".lock")
	)
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("failed to lock identity file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	var id, err = readNodeID(path)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := writeFileAtomic(path, []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("failed to write identity file: %w", err)
	}
	return id, nil
}

// NodeHash derives a node's ring position from its identity.
func NodeHash(nodeID string, fn HashFunction) Hash {
	return fn.Sum([]byte(nodeID))
}

func readNodeID(path string) (string, error) {
	var data, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}

	var scanner = bufio.NewScanner(bytes.NewReader(data))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	return "", nil
}

func writeFileAtomic(path string, data []byte) error {
	var tmp = path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
