package config

import (
	"encoding/binary"
	"fmt"

	"github.com/minio/highwayhash"
	"github.com/viant/bintly"
	"github.com/viant/dedupvol/storage"
)

// Frame layout:
//
//	[magic:4][version:4][payload length:8][bintly payload][highwayhash64:8]
//
// The checksum covers everything before it, so a config cut short by an
// interrupted rewrite is rejected before the payload is decoded.
const (
	magic        = "DDVC"
	Version      = 1
	headerSize   = 16
	checksumSize = 8
)

var checksumKey = []byte("dedupvol-config-checksum-key-256")

// Binary is the default Codec: a checksummed bintly frame.
var Binary Codec = binaryCodec{}

type binaryCodec struct{}

func (binaryCodec) ToBytes(cfg *Config) ([]byte, error) {
	writers := bintly.NewWriters()
	writer := writers.Get()
	defer writers.Put(writer)
	if err := cfg.EncodeBinary(writer); err != nil {
		return nil, err
	}
	payload := writer.Bytes()
	out := make([]byte, headerSize+len(payload)+checksumSize)
	copy(out, magic)
	binary.LittleEndian.PutUint32(out[4:8], Version)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(payload)))
	copy(out[headerSize:], payload)
	sum, err := checksum(out[:headerSize+len(payload)])
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(out[headerSize+len(payload):], sum)
	return out, nil
}

func (binaryCodec) FromBytes(data []byte) (cfg *Config, err error) {
	if len(data) < headerSize+checksumSize {
		return nil, fmt.Errorf("config: %d bytes: %w", len(data), storage.ErrCorrupt)
	}
	if string(data[:4]) != magic {
		return nil, fmt.Errorf("config: bad magic %q: %w", data[:4], storage.ErrCorrupt)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != Version {
		return nil, fmt.Errorf("config: version %d, want %d: %w", version, Version, storage.ErrIncompatible)
	}
	size := binary.LittleEndian.Uint64(data[8:16])
	if size != uint64(len(data)-headerSize-checksumSize) {
		return nil, fmt.Errorf("config: payload %d bytes, frame holds %d: %w", size, len(data)-headerSize-checksumSize, storage.ErrCorrupt)
	}
	end := headerSize + int(size)
	sum, err := checksum(data[:end])
	if err != nil {
		return nil, err
	}
	if sum != binary.LittleEndian.Uint64(data[end:]) {
		return nil, fmt.Errorf("config: checksum mismatch: %w", storage.ErrCorrupt)
	}

	readers := bintly.NewReaders()
	reader := readers.Get()
	defer readers.Put(reader)
	if err := reader.FromBytes(data[headerSize:end]); err != nil {
		return nil, fmt.Errorf("config: %w: %w", storage.ErrCorrupt, err)
	}
	defer func() {
		if r := recover(); r != nil {
			cfg, err = nil, fmt.Errorf("config: decode: %v: %w", r, storage.ErrCorrupt)
		}
	}()
	cfg = &Config{}
	if err := cfg.DecodeBinary(reader); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeBinary writes the config to a bintly stream.
func (c *Config) EncodeBinary(stream *bintly.Writer) error {
	stream.Uint32(c.Info.BlockHeaderSize)
	stream.Uint32(c.Info.RecordHeaderSize)
	stream.Uint32(c.Info.DedupBlockHeaderSize)
	stream.Uint32(c.Info.DedupRecordHeaderSize)

	stream.Uint32(uint32(len(c.Data)))
	for _, d := range c.Data {
		stream.Uint32(d.Index)
		stream.Uint64(d.BlockSize)
		stream.String(d.Path)
		stream.Uint64(d.End)
	}

	stream.Uint32(uint32(len(c.Records)))
	for _, r := range c.Records {
		stream.Uint64(r.Begin)
		stream.Uint64(r.End)
		stream.String(r.Path)
	}

	stream.Uint32(uint32(len(c.Blocks)))
	for _, b := range c.Blocks {
		stream.Uint64(b.Begin)
		stream.Uint64(b.End)
		stream.String(b.Path)
	}

	stream.Uint32(uint32(len(c.Unfinished)))
	for _, u := range c.Unfinished {
		stream.Uint32(u.VolSessionID)
		stream.Uint32(u.VolSessionTime)
		stream.Int32(u.FileIndex)
		stream.Int32(u.Stream)
		stream.Uint32(u.DataIdx)
		stream.Uint64(u.Offset)
		stream.Uint64(u.Size)
	}
	return nil
}

// DecodeBinary reads the config from a bintly stream.
func (c *Config) DecodeBinary(stream *bintly.Reader) error {
	stream.Uint32(&c.Info.BlockHeaderSize)
	stream.Uint32(&c.Info.RecordHeaderSize)
	stream.Uint32(&c.Info.DedupBlockHeaderSize)
	stream.Uint32(&c.Info.DedupRecordHeaderSize)

	var count uint32
	stream.Uint32(&count)
	if err := checkCount("data", count); err != nil {
		return err
	}
	c.Data = make([]DataSection, count)
	for i := range c.Data {
		d := &c.Data[i]
		stream.Uint32(&d.Index)
		stream.Uint64(&d.BlockSize)
		stream.String(&d.Path)
		stream.Uint64(&d.End)
	}

	stream.Uint32(&count)
	if err := checkCount("record", count); err != nil {
		return err
	}
	c.Records = make([]RecordSection, count)
	for i := range c.Records {
		r := &c.Records[i]
		stream.Uint64(&r.Begin)
		stream.Uint64(&r.End)
		stream.String(&r.Path)
	}

	stream.Uint32(&count)
	if err := checkCount("block", count); err != nil {
		return err
	}
	c.Blocks = make([]BlockSection, count)
	for i := range c.Blocks {
		b := &c.Blocks[i]
		stream.Uint64(&b.Begin)
		stream.Uint64(&b.End)
		stream.String(&b.Path)
	}

	stream.Uint32(&count)
	if err := checkCount("unfinished", count); err != nil {
		return err
	}
	c.Unfinished = make([]UnfinishedRecord, count)
	for i := range c.Unfinished {
		u := &c.Unfinished[i]
		stream.Uint32(&u.VolSessionID)
		stream.Uint32(&u.VolSessionTime)
		stream.Int32(&u.FileIndex)
		stream.Int32(&u.Stream)
		stream.Uint32(&u.DataIdx)
		stream.Uint64(&u.Offset)
		stream.Uint64(&u.Size)
	}
	return nil
}

// maxSections bounds section counts so a damaged count cannot force a huge allocation.
const maxSections = 1 << 20

func checkCount(kind string, count uint32) error {
	if count > maxSections {
		return fmt.Errorf("config: %d %s sections: %w", count, kind, storage.ErrCorrupt)
	}
	return nil
}

func checksum(data []byte) (uint64, error) {
	h, err := highwayhash.New64(checksumKey)
	if err != nil {
		return 0, err
	}
	if _, err := h.Write(data); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
