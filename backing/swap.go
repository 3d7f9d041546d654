package backing

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// swapDir stores regions that did not fit into memory anymore.
// A nil *swapDir is valid and stores nothing.
type swapDir struct {
	dir  string
	algo Algorithm
}

func newSwapDir(dir string, algoType AlgorithmType) (*swapDir, error) {
	if dir == "" {
		return nil, nil
	}

	algo, err := AlgorithmFromType(algoType)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	// Split keys 00-ff into own directories.
	// Keeps the directories small on most filesystems.
	for idx := 0; idx < 256; idx++ {
		shard := filepath.Join(dir, fmt.Sprintf("%02x", idx))
		if err := os.MkdirAll(shard, 0700); err != nil {
			return nil, err
		}
	}

	return &swapDir{dir: dir, algo: algo}, nil
}

func (sd *swapDir) path(key regionKey) string {
	return filepath.Join(sd.dir, key.String())
}

func (sd *swapDir) Set(key regionKey, data []byte) error {
	if sd == nil {
		return ErrNotResident
	}

	encoded, err := sd.algo.Encode(data)
	if err != nil {
		return e.Wrapf(err, "swap: encode %v", key)
	}

	return ioutil.WriteFile(sd.path(key), encoded, 0600)
}

func (sd *swapDir) Get(key regionKey) ([]byte, error) {
	if sd == nil {
		return nil, ErrNotResident
	}

	encoded, err := ioutil.ReadFile(sd.path(key))
	if err != nil {
		return nil, err
	}

	return sd.algo.Decode(encoded)
}

func (sd *swapDir) Del(key regionKey) {
	if sd == nil {
		return
	}

	path := sd.path(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("backing: failed to delete swap file %s: %v", path, err)
	}
}

func (sd *swapDir) Close() error {
	if sd == nil {
		return nil
	}

	return os.RemoveAll(sd.dir)
}
