package volume

import (
	"errors"
	"fmt"
	"math"

	"github.com/viant/dedupvol/storage"
	"github.com/viant/dedupvol/storage/fd"
	"github.com/viant/dedupvol/storage/filevec"
	"github.com/viant/dedupvol/volume/config"
)

const (
	configName  = "config"
	blocksName  = "blocks"
	recordsName = "records"
)

func dataName(index int) string {
	return fmt.Sprintf("data.%03d", index)
}

// array is the part of filevec.Vector the volume treats uniformly.
type array interface {
	Len() int
	Cap() int
	Current() int
	Path() string
	IsOk() bool
	Err() error
	Flush() error
	Close() error
}

type blockFile struct {
	path  string
	begin uint64
	vec   *filevec.Vector[BlockHeader]
}

func (f *blockFile) end() uint64 { return f.begin + uint64(f.vec.Len()) }

type recordFile struct {
	path  string
	begin uint64
	vec   *filevec.Vector[RecordHeader]
}

func (f *recordFile) end() uint64 { return f.begin + uint64(f.vec.Len()) }

type dataFile struct {
	index     uint32
	blockSize uint64
	path      string
	vec       *filevec.Vector[byte]
}

func (f *dataFile) end() uint64 { return uint64(f.vec.Len()) }

// accepts reports whether a payload of size bytes belongs in this file.
func (f *dataFile) accepts(size uint64) bool {
	return f.blockSize > 0 && size >= f.blockSize && size%f.blockSize == 0
}

// volumeConfig is the live structure of a volume: every open array.
type volumeConfig struct {
	blockFiles  []*blockFile
	recordFiles []*recordFile
	dataFiles   []*dataFile
}

// openConfig attaches every file named by cfg relative to dirfd.
// Nothing stays open when it fails.
func openConfig(dirfd int, cfg *config.Config, opts *Options, flags int) (*volumeConfig, error) {
	vc := &volumeConfig{}
	for _, section := range cfg.Blocks {
		if section.End < section.Begin {
			_ = vc.close()
			return nil, fmt.Errorf("volume: block file %s: range [%d,%d): %w", section.Path, section.Begin, section.End, storage.ErrStructure)
		}
		vec, err := attach[BlockHeader](dirfd, section.Path, section.End-section.Begin, opts.BlockChunk, flags, opts.FileMode)
		if err != nil {
			_ = vc.close()
			return nil, err
		}
		vc.blockFiles = append(vc.blockFiles, &blockFile{path: section.Path, begin: section.Begin, vec: vec})
	}
	for _, section := range cfg.Records {
		if section.End < section.Begin {
			_ = vc.close()
			return nil, fmt.Errorf("volume: record file %s: range [%d,%d): %w", section.Path, section.Begin, section.End, storage.ErrStructure)
		}
		vec, err := attach[RecordHeader](dirfd, section.Path, section.End-section.Begin, opts.RecordChunk, flags, opts.FileMode)
		if err != nil {
			_ = vc.close()
			return nil, err
		}
		vc.recordFiles = append(vc.recordFiles, &recordFile{path: section.Path, begin: section.Begin, vec: vec})
	}
	for i, section := range cfg.Data {
		if section.Index != uint32(i) {
			_ = vc.close()
			return nil, fmt.Errorf("volume: data file %s: index %d at position %d: %w", section.Path, section.Index, i, storage.ErrStructure)
		}
		vec, err := attach[byte](dirfd, section.Path, section.End, opts.DataChunk, flags, opts.FileMode)
		if err != nil {
			_ = vc.close()
			return nil, err
		}
		vc.dataFiles = append(vc.dataFiles, &dataFile{index: section.Index, blockSize: section.BlockSize, path: section.Path, vec: vec})
	}
	return vc, nil
}

func attach[T any](dirfd int, path string, used uint64, chunkSize int, flags int, mode uint32) (*filevec.Vector[T], error) {
	if used > math.MaxInt {
		return nil, fmt.Errorf("volume: %s: %d entries: %w", path, used, storage.ErrOverflow)
	}
	h, err := fd.OpenAt(dirfd, path, flags, mode)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	vec, err := filevec.New[T](h, int(used), chunkSize)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	// appends continue after the last used entry
	if err := vec.MoveTo(vec.Len()); err != nil {
		_ = vec.Close()
		return nil, fmt.Errorf("volume: %w", err)
	}
	return vec, nil
}

// checkLedger verifies every unfinished region lies inside its data file.
func (c *volumeConfig) checkLedger(ledger map[RecordID]WriteLoc) error {
	for id, loc := range ledger {
		if int(loc.DataIdx) >= len(c.dataFiles) {
			return fmt.Errorf("volume: unfinished record %+v: data file %d of %d: %w", id, loc.DataIdx, len(c.dataFiles), storage.ErrStructure)
		}
		if loc.Current > loc.End || loc.End > c.dataFiles[loc.DataIdx].end() {
			return fmt.Errorf("volume: unfinished record %+v: region [%d,%d) outside data file end %d: %w",
				id, loc.Current, loc.End, c.dataFiles[loc.DataIdx].end(), storage.ErrStructure)
		}
	}
	return nil
}

func (c *volumeConfig) arrays() []array {
	var result []array
	for _, f := range c.blockFiles {
		result = append(result, f.vec)
	}
	for _, f := range c.recordFiles {
		result = append(result, f.vec)
	}
	for _, f := range c.dataFiles {
		result = append(result, f.vec)
	}
	return result
}

func (c *volumeConfig) isOk() bool {
	for _, a := range c.arrays() {
		if !a.IsOk() {
			return false
		}
	}
	return true
}

func (c *volumeConfig) close() error {
	var errs []error
	for _, a := range c.arrays() {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

// sections fills the structural part of cfg from the open arrays.
func (c *volumeConfig) sections(cfg *config.Config) {
	for _, f := range c.blockFiles {
		cfg.Blocks = append(cfg.Blocks, config.BlockSection{Begin: f.begin, End: f.end(), Path: f.path})
	}
	for _, f := range c.recordFiles {
		cfg.Records = append(cfg.Records, config.RecordSection{Begin: f.begin, End: f.end(), Path: f.path})
	}
	for _, f := range c.dataFiles {
		cfg.Data = append(cfg.Data, config.DataSection{Index: f.index, BlockSize: f.blockSize, Path: f.path, End: f.end()})
	}
}
