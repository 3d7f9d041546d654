package vfs

import (
	"encoding/binary"

	"github.com/sahib/f2cache/pagecache"
)

// Inode numbers of the objects every filesystem has.
const (
	nodeIno  = uint64(1)
	metaIno  = uint64(2)
	firstIno = uint64(3)
)

// inodeRecord is the part of a vnode that is stored in the node object.
// Every inode has one page there, at page index == ino.
type inodeRecord struct {
	Size  uint64
	Nlink uint64
	Type  pagecache.PageType
}

const inodeRecordSize = 24

func (ir *inodeRecord) marshal(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], ir.Size)
	binary.BigEndian.PutUint64(buf[8:16], ir.Nlink)
	binary.BigEndian.PutUint64(buf[16:24], uint64(ir.Type))
}

func (ir *inodeRecord) unmarshal(buf []byte) {
	ir.Size = binary.BigEndian.Uint64(buf[0:8])
	ir.Nlink = binary.BigEndian.Uint64(buf[8:16])
	ir.Type = pagecache.PageType(binary.BigEndian.Uint64(buf[16:24]))
}

// checkpointRecord is stored in the first page of the meta object.
type checkpointRecord struct {
	Version uint64
	NextIno uint64
	Stamp   int64
}

const checkpointRecordSize = 24

func (cr *checkpointRecord) marshal(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], cr.Version)
	binary.BigEndian.PutUint64(buf[8:16], cr.NextIno)
	binary.BigEndian.PutUint64(buf[16:24], uint64(cr.Stamp))
}

func (cr *checkpointRecord) unmarshal(buf []byte) {
	cr.Version = binary.BigEndian.Uint64(buf[0:8])
	cr.NextIno = binary.BigEndian.Uint64(buf[8:16])
	cr.Stamp = int64(binary.BigEndian.Uint64(buf[16:24]))
}
