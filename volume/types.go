package volume

import (
	"encoding/binary"

	"github.com/viant/dedupvol/volume/config"
)

// NativeBlockHeader is the block header of the backup format itself.
// Only its size matters here; it is recorded to detect format changes.
type NativeBlockHeader struct {
	CheckSum       uint32
	BlockSize      uint32
	BlockNumber    uint32
	ID             [4]byte
	VolSessionID   uint32
	VolSessionTime uint32
}

// NativeRecordHeader is the record header of the backup format itself.
type NativeRecordHeader struct {
	FileIndex int32
	Stream    int32
	DataSize  uint32
}

// BlockHeader is a stored block descriptor: the native header plus the range
// of record descriptors belonging to the block.
type BlockHeader struct {
	Native      NativeBlockHeader
	RecordStart uint64
	RecordCount uint32
}

// RecordHeader is a stored record descriptor: the native header plus where the
// payload lives.
type RecordHeader struct {
	Native  NativeRecordHeader
	DataIdx uint32
	Offset  uint64
}

// compiledInfo is compared against every loaded config.
var compiledInfo = config.GeneralInfo{
	BlockHeaderSize:       uint32(binary.Size(NativeBlockHeader{})),
	RecordHeaderSize:      uint32(binary.Size(NativeRecordHeader{})),
	DedupBlockHeaderSize:  uint32(binary.Size(BlockHeader{})),
	DedupRecordHeaderSize: uint32(binary.Size(RecordHeader{})),
}

// CompiledInfo returns the header sizes this build writes.
func CompiledInfo() config.GeneralInfo {
	return compiledInfo
}

// RecordID identifies one backed-up stream chunk.
type RecordID struct {
	VolSessionID   uint32
	VolSessionTime uint32
	FileIndex      int32
	Stream         int32
}

// WriteLoc is a reserved payload region [Current, End) in data file DataIdx.
// Bytes before Current have been written.
type WriteLoc struct {
	DataIdx uint32
	Current uint64
	End     uint64
}

// Remaining returns how many bytes of the region are still unwritten.
func (l WriteLoc) Remaining() uint64 {
	return l.End - l.Current
}
