// Package config holds the structural description of a volume as persisted in
// its config file, and the codec that turns it into bytes and back.
package config

// GeneralInfo records the compiled sizes of the headers a volume was written with.
type GeneralInfo struct {
	BlockHeaderSize       uint32 `json:"blockHeaderSize" yaml:"blockHeaderSize"`
	RecordHeaderSize      uint32 `json:"recordHeaderSize" yaml:"recordHeaderSize"`
	DedupBlockHeaderSize  uint32 `json:"dedupBlockHeaderSize" yaml:"dedupBlockHeaderSize"`
	DedupRecordHeaderSize uint32 `json:"dedupRecordHeaderSize" yaml:"dedupRecordHeaderSize"`
}

// DataSection describes one payload file.
type DataSection struct {
	Index     uint32 `json:"index" yaml:"index"`
	BlockSize uint64 `json:"blockSize" yaml:"blockSize"`
	Path      string `json:"path" yaml:"path"`
	End       uint64 `json:"end" yaml:"end"`
}

// RecordSection describes a record descriptor file holding records [Begin, End).
type RecordSection struct {
	Begin uint64 `json:"begin" yaml:"begin"`
	End   uint64 `json:"end" yaml:"end"`
	Path  string `json:"path" yaml:"path"`
}

// BlockSection describes a block descriptor file holding blocks [Begin, End).
type BlockSection struct {
	Begin uint64 `json:"begin" yaml:"begin"`
	End   uint64 `json:"end" yaml:"end"`
	Path  string `json:"path" yaml:"path"`
}

// UnfinishedRecord is a payload region that was reserved but not completely
// written when the config was saved.
type UnfinishedRecord struct {
	VolSessionID   uint32 `json:"volSessionId" yaml:"volSessionId"`
	VolSessionTime uint32 `json:"volSessionTime" yaml:"volSessionTime"`
	FileIndex      int32  `json:"fileIndex" yaml:"fileIndex"`
	Stream         int32  `json:"stream" yaml:"stream"`
	DataIdx        uint32 `json:"dataIdx" yaml:"dataIdx"`
	Offset         uint64 `json:"offset" yaml:"offset"`
	Size           uint64 `json:"size" yaml:"size"`
}

// Config is the complete persisted structure of a volume.
type Config struct {
	Info       GeneralInfo        `json:"info" yaml:"info"`
	Data       []DataSection      `json:"data" yaml:"data"`
	Records    []RecordSection    `json:"records" yaml:"records"`
	Blocks     []BlockSection     `json:"blocks" yaml:"blocks"`
	Unfinished []UnfinishedRecord `json:"unfinished" yaml:"unfinished"`
}

// Codec converts a Config to its on-disk form and back.
type Codec interface {
	ToBytes(cfg *Config) ([]byte, error)
	FromBytes(data []byte) (*Config, error)
}
