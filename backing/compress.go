package backing

import (
	"errors"
	"fmt"

	"github.com/bkaradzic/go-lz4"
	"github.com/golang/snappy"
)

// ErrBadAlgo is returned for unknown compression names.
var ErrBadAlgo = errors.New("invalid compression algorithm")

// AlgorithmType selects how swapped regions are compressed.
type AlgorithmType int

const (
	// AlgoNone stores swapped regions as they are.
	AlgoNone = AlgorithmType(iota)
	// AlgoSnappy uses snappy; fast and usually good enough.
	AlgoSnappy
	// AlgoLZ4 uses lz4.
	AlgoLZ4
)

// Algorithm encodes and decodes swapped regions.
type Algorithm interface {
	Encode([]byte) ([]byte, error)
	Decode([]byte) ([]byte, error)
}

type noneAlgo struct{}
type snappyAlgo struct{}
type lz4Algo struct{}

var (
	algoMap = map[AlgorithmType]Algorithm{
		AlgoNone:   noneAlgo{},
		AlgoSnappy: snappyAlgo{},
		AlgoLZ4:    lz4Algo{},
	}

	algoToString = map[AlgorithmType]string{
		AlgoNone:   "none",
		AlgoSnappy: "snappy",
		AlgoLZ4:    "lz4",
	}

	stringToAlgo = map[string]AlgorithmType{
		"":       AlgoNone,
		"none":   AlgoNone,
		"snappy": AlgoSnappy,
		"lz4":    AlgoLZ4,
	}
)

func (a noneAlgo) Encode(src []byte) ([]byte, error) {
	return append([]byte{}, src...), nil
}

func (a noneAlgo) Decode(src []byte) ([]byte, error) {
	return src, nil
}

func (a snappyAlgo) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (a snappyAlgo) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

func (a lz4Algo) Encode(src []byte) ([]byte, error) {
	return lz4.Encode(nil, src)
}

func (a lz4Algo) Decode(src []byte) ([]byte, error) {
	return lz4.Decode(nil, src)
}

func (a AlgorithmType) String() string {
	if name, ok := algoToString[a]; ok {
		return name
	}

	return "unknown"
}

// AlgorithmFromType returns the implementation of `a`.
func AlgorithmFromType(a AlgorithmType) (Algorithm, error) {
	if algo, ok := algoMap[a]; ok {
		return algo, nil
	}

	return nil, ErrBadAlgo
}

// AlgoFromString parses one of "none", "snappy" or "lz4".
func AlgoFromString(s string) (AlgorithmType, error) {
	algo, ok := stringToAlgo[s]
	if !ok {
		return 0, fmt.Errorf("%v: %s", ErrBadAlgo, s)
	}

	return algo, nil
}
