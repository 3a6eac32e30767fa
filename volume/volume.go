// Package volume implements the persistent layout of a deduplicating backup
// volume: one block descriptor file, one record descriptor file, one or more
// payload data files, and a config file that records how much of each is in
// use together with every payload write that had not finished.
//
// A Volume has a single owner and no internal locking. Nothing is made durable
// until Flush (or Close) is called.
package volume

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/viant/dedupvol/storage"
	"github.com/viant/dedupvol/storage/fd"
	"github.com/viant/dedupvol/volume/config"
	"golang.org/x/sys/unix"
)

// Volume owns the files of one volume directory.
type Volume struct {
	path       string
	dir        *fd.Handle
	configFile *fd.Handle
	config     *volumeConfig
	unfinished map[RecordID]WriteLoc
	options    *Options
	err        error
	closed     bool
}

// Create initialises a new volume in path and persists its initial config.
// It fails if path already holds a volume config.
func Create(path string, opts ...Option) (*Volume, error) {
	options := newOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}
	if options.ReadOnly {
		return nil, fmt.Errorf("volume: create %s: %w", path, storage.ErrReadOnly)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("volume: mkdir: %w", err)
	}
	dir, err := fd.OpenDir(path)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	configFile, err := fd.OpenAt(dir.Fd(), configName, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, options.FileMode)
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("volume: %w", err)
	}
	// a config only stays behind once it has been written completely
	abandon := func() {
		_ = configFile.Close()
		if err := unix.Unlinkat(dir.Fd(), configName, 0); err != nil {
			options.Logf("volume create: path=%s remove config: %v", path, err)
		}
		_ = dir.Close()
	}

	layout := &config.Config{
		Info:    compiledInfo,
		Blocks:  []config.BlockSection{{Path: blocksName}},
		Records: []config.RecordSection{{Path: recordsName}},
	}
	for i, blockSize := range options.DataBlockSizes {
		layout.Data = append(layout.Data, config.DataSection{Index: uint32(i), BlockSize: blockSize, Path: dataName(i)})
	}
	vc, err := openConfig(dir.Fd(), layout, options, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC)
	if err != nil {
		abandon()
		return nil, err
	}
	v := &Volume{
		path:       path,
		dir:        dir,
		configFile: configFile,
		config:     vc,
		unfinished: map[RecordID]WriteLoc{},
		options:    options,
	}
	if err := v.WriteCurrentConfig(); err != nil {
		_ = vc.close()
		abandon()
		return nil, err
	}
	if err := v.configFile.Flush(); err != nil {
		_ = vc.close()
		abandon()
		return nil, fmt.Errorf("volume: %w", err)
	}
	options.Logf("volume created: path=%s data=%d", path, len(vc.dataFiles))
	return v, nil
}

// Open attaches to an existing volume and restores its unfinished records.
func Open(path string, opts ...Option) (*Volume, error) {
	options := newOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}
	dir, err := fd.OpenDir(path)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	configFile, err := fd.OpenAt(dir.Fd(), configName, options.openFlags(), 0)
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("volume: %w", err)
	}
	v := &Volume{
		path:       path,
		dir:        dir,
		configFile: configFile,
		config:     &volumeConfig{},
		unfinished: map[RecordID]WriteLoc{},
		options:    options,
	}
	if err := v.LoadConfig(); err != nil {
		_ = v.release()
		return nil, err
	}
	options.Logf("volume opened: path=%s readOnly=%v blocks=%d records=%d data=%d unfinished=%d",
		path, options.ReadOnly, v.config.blockFiles[0].end(), v.config.recordFiles[0].end(), len(v.config.dataFiles), len(v.unfinished))
	return v, nil
}

// LoadConfig reads the config file and replaces the in-memory structure with
// the one it describes, reopening every array and rebuilding the
// unfinished-record ledger. On failure the previous state is left untouched.
func (v *Volume) LoadConfig() error {
	if v.closed {
		return storage.ErrClosed
	}
	data, err := v.readConfig()
	if err != nil {
		return v.reject(err)
	}
	cfg, err := v.options.Codec.FromBytes(data)
	if err != nil {
		return v.reject(fmt.Errorf("volume: config: %w", err))
	}
	if len(cfg.Blocks) != 1 || len(cfg.Records) != 1 {
		return v.reject(fmt.Errorf("volume: config: %d block files, %d record files: %w", len(cfg.Blocks), len(cfg.Records), storage.ErrStructure))
	}
	if len(cfg.Data) == 0 {
		return v.reject(fmt.Errorf("volume: config: no data files: %w", storage.ErrStructure))
	}
	if cfg.Info != compiledInfo {
		return v.reject(fmt.Errorf("volume: config: header sizes %+v, built with %+v: %w", cfg.Info, compiledInfo, storage.ErrIncompatible))
	}
	ledger := make(map[RecordID]WriteLoc, len(cfg.Unfinished))
	for _, u := range cfg.Unfinished {
		id := RecordID{VolSessionID: u.VolSessionID, VolSessionTime: u.VolSessionTime, FileIndex: u.FileIndex, Stream: u.Stream}
		if _, ok := ledger[id]; ok {
			return v.reject(fmt.Errorf("volume: config: unfinished record %+v: %w", id, storage.ErrDuplicateRecord))
		}
		if u.Size > math.MaxUint64-u.Offset {
			return v.reject(fmt.Errorf("volume: config: unfinished record %+v: region %d+%d: %w", id, u.Offset, u.Size, storage.ErrOverflow))
		}
		ledger[id] = WriteLoc{DataIdx: u.DataIdx, Current: u.Offset, End: u.Offset + u.Size}
	}
	vc, err := openConfig(v.dir.Fd(), cfg, v.options, v.options.openFlags())
	if err != nil {
		return v.reject(err)
	}
	if err := vc.checkLedger(ledger); err != nil {
		_ = vc.close()
		return v.reject(err)
	}
	previous := v.config
	v.config = vc
	v.unfinished = ledger
	if err := previous.close(); err != nil {
		v.options.Logf("volume reload: path=%s close previous: %v", v.path, err)
	}
	return nil
}

// readConfig reads the whole config file through a handle of its own, so a
// failed read leaves the volume's config handle usable.
func (v *Volume) readConfig() ([]byte, error) {
	h, err := fd.OpenAt(v.dir.Fd(), configName, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("volume: config: %w", err)
	}
	defer func() { _ = h.Close() }()
	size, err := h.SizeThenReset()
	if err != nil {
		return nil, fmt.Errorf("volume: config: %w", err)
	}
	if size < 0 || uint64(size) > math.MaxInt {
		return nil, fmt.Errorf("volume: config: length %d: %w", size, storage.ErrCorrupt)
	}
	data := make([]byte, size)
	if size > 0 {
		if err := h.Read(data); err != nil {
			return nil, fmt.Errorf("volume: config: %w", err)
		}
	}
	return data, nil
}

// WriteCurrentConfig persists the current structure and ledger to the config
// file. The file is truncated before the new content is written; any failure
// breaks the volume.
func (v *Volume) WriteCurrentConfig() error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	data, err := v.ConfigBytes()
	if err != nil {
		return v.latch(err)
	}
	if err := v.configFile.Resize(0); err != nil {
		return v.latch(fmt.Errorf("volume: config: %w", err))
	}
	if err := v.configFile.SeekTo(0); err != nil {
		return v.latch(fmt.Errorf("volume: config: %w", err))
	}
	if err := v.configFile.Write(data); err != nil {
		return v.latch(fmt.Errorf("volume: config: %w", err))
	}
	return nil
}

// ConfigBytes encodes the current structure with the volume codec.
func (v *Volume) ConfigBytes() ([]byte, error) {
	data, err := v.options.Codec.ToBytes(v.Describe())
	if err != nil {
		return nil, fmt.Errorf("volume: encode config: %w", err)
	}
	return data, nil
}

// Path returns the volume directory.
func (v *Volume) Path() string { return v.path }

// IsOk reports whether the volume and all of its files are usable.
func (v *Volume) IsOk() bool {
	return !v.closed && v.err == nil && v.configFile.IsOk() && v.config.isOk()
}

// Err returns the failure that broke the volume, if any.
func (v *Volume) Err() error { return v.err }

// AppendBlock stores a block descriptor and returns its index.
func (v *Volume) AppendBlock(header BlockHeader) (uint64, error) {
	if err := v.checkWritable(); err != nil {
		return 0, err
	}
	bf := v.config.blockFiles[0]
	idx, err := bf.vec.Write(header)
	if err != nil {
		return 0, v.fail(bf.vec, err)
	}
	return bf.begin + uint64(idx), nil
}

// ReadBlock returns the block descriptor at idx.
func (v *Volume) ReadBlock(idx uint64) (BlockHeader, error) {
	if err := v.check(); err != nil {
		return BlockHeader{}, err
	}
	bf := v.config.blockFiles[0]
	if idx < bf.begin || idx >= bf.end() {
		return BlockHeader{}, fmt.Errorf("volume: block %d outside [%d,%d): %w", idx, bf.begin, bf.end(), storage.ErrBounds)
	}
	items, err := bf.vec.ReadAt(int(idx-bf.begin), 1)
	if err != nil {
		return BlockHeader{}, v.fail(bf.vec, err)
	}
	return items[0], nil
}

// BlockCount returns the index one past the last stored block.
func (v *Volume) BlockCount() uint64 { return v.config.blockFiles[0].end() }

// AppendRecords stores record descriptors and returns the index of the first.
func (v *Volume) AppendRecords(headers ...RecordHeader) (uint64, error) {
	if err := v.checkWritable(); err != nil {
		return 0, err
	}
	rf := v.config.recordFiles[0]
	idx, err := rf.vec.Write(headers...)
	if err != nil {
		return 0, v.fail(rf.vec, err)
	}
	return rf.begin + uint64(idx), nil
}

// ReadRecords returns count record descriptors starting at start.
func (v *Volume) ReadRecords(start uint64, count int) ([]RecordHeader, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	rf := v.config.recordFiles[0]
	if start < rf.begin || start > rf.end() || count < 0 || uint64(count) > rf.end()-start {
		return nil, fmt.Errorf("volume: records [%d,+%d) outside [%d,%d): %w", start, count, rf.begin, rf.end(), storage.ErrBounds)
	}
	items, err := rf.vec.ReadAt(int(start-rf.begin), count)
	if err != nil {
		return nil, v.fail(rf.vec, err)
	}
	return items, nil
}

// RecordCount returns the index one past the last stored record.
func (v *Volume) RecordCount() uint64 { return v.config.recordFiles[0].end() }

// BeginRecord reserves size payload bytes for id and enters the region in the
// unfinished-record ledger until all of it has been written.
func (v *Volume) BeginRecord(id RecordID, size uint64) (WriteLoc, error) {
	if err := v.checkWritable(); err != nil {
		return WriteLoc{}, err
	}
	if _, ok := v.unfinished[id]; ok {
		return WriteLoc{}, fmt.Errorf("volume: record %+v: %w", id, storage.ErrDuplicateRecord)
	}
	df, err := v.dataFileFor(size)
	if err != nil {
		return WriteLoc{}, err
	}
	if size > math.MaxInt {
		return WriteLoc{}, fmt.Errorf("volume: record of %d bytes: %w", size, storage.ErrOverflow)
	}
	start, err := df.vec.Reserve(int(size))
	if err != nil {
		return WriteLoc{}, v.fail(df.vec, err)
	}
	loc := WriteLoc{DataIdx: df.index, Current: uint64(start), End: uint64(start) + size}
	if loc.Current < loc.End {
		v.unfinished[id] = loc
	}
	return loc, nil
}

// WriteRecordData appends p to the unfinished record id. Once its region is
// full the record leaves the ledger. The updated location is returned.
func (v *Volume) WriteRecordData(id RecordID, p []byte) (WriteLoc, error) {
	if err := v.checkWritable(); err != nil {
		return WriteLoc{}, err
	}
	loc, ok := v.unfinished[id]
	if !ok {
		return WriteLoc{}, fmt.Errorf("volume: record %+v: %w", id, storage.ErrUnknownRecord)
	}
	if uint64(len(p)) > loc.Remaining() {
		return loc, fmt.Errorf("volume: record %+v: %d bytes, %d remaining: %w", id, len(p), loc.Remaining(), storage.ErrBounds)
	}
	df := v.config.dataFiles[loc.DataIdx]
	if _, err := df.vec.WriteAt(int(loc.Current), p...); err != nil {
		return loc, v.fail(df.vec, err)
	}
	loc.Current += uint64(len(p))
	if loc.Current == loc.End {
		delete(v.unfinished, id)
	} else {
		v.unfinished[id] = loc
	}
	return loc, nil
}

// AbortRecord drops id from the ledger. Its reserved region stays allocated.
func (v *Volume) AbortRecord(id RecordID) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if _, ok := v.unfinished[id]; !ok {
		return fmt.Errorf("volume: record %+v: %w", id, storage.ErrUnknownRecord)
	}
	delete(v.unfinished, id)
	return nil
}

// UnfinishedRecord returns the ledger entry for id.
func (v *Volume) UnfinishedRecord(id RecordID) (WriteLoc, bool) {
	loc, ok := v.unfinished[id]
	return loc, ok
}

// Unfinished returns a copy of the ledger.
func (v *Volume) Unfinished() map[RecordID]WriteLoc {
	return maps.Clone(v.unfinished)
}

// ReadData returns size payload bytes at offset of data file dataIdx.
func (v *Volume) ReadData(dataIdx uint32, offset uint64, size int) ([]byte, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	if int(dataIdx) >= len(v.config.dataFiles) {
		return nil, fmt.Errorf("volume: data file %d of %d: %w", dataIdx, len(v.config.dataFiles), storage.ErrBounds)
	}
	df := v.config.dataFiles[dataIdx]
	if offset > df.end() {
		return nil, fmt.Errorf("volume: data offset %d beyond %d: %w", offset, df.end(), storage.ErrBounds)
	}
	data, err := df.vec.ReadAt(int(offset), size)
	if err != nil {
		return nil, v.fail(df.vec, err)
	}
	return data, nil
}

// Flush makes every file durable and rewrites the config.
func (v *Volume) Flush() error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	for _, a := range v.config.arrays() {
		if err := a.Flush(); err != nil {
			return v.latch(fmt.Errorf("volume: %w", err))
		}
	}
	if err := v.WriteCurrentConfig(); err != nil {
		return err
	}
	if err := v.configFile.Flush(); err != nil {
		return v.latch(fmt.Errorf("volume: %w", err))
	}
	return nil
}

// Close flushes a healthy writable volume and releases every file.
func (v *Volume) Close() error {
	if v.closed {
		return nil
	}
	var errs []error
	if v.IsOk() && !v.options.ReadOnly {
		errs = append(errs, v.Flush())
	}
	errs = append(errs, v.release())
	return errors.Join(errs...)
}

// Check verifies the in-memory structure: cursor, used and capacity of every
// file, and that every unfinished region lies inside its data file.
func (v *Volume) Check() error {
	if v.closed {
		return storage.ErrClosed
	}
	var errs []error
	if v.err != nil {
		errs = append(errs, v.err)
	}
	for _, a := range v.config.arrays() {
		if !(a.Current() <= a.Len() && a.Len() <= a.Cap()) {
			errs = append(errs, fmt.Errorf("volume: %s: cursor=%d used=%d capacity=%d: %w", a.Path(), a.Current(), a.Len(), a.Cap(), storage.ErrInvariant))
		}
		if !a.IsOk() {
			errs = append(errs, fmt.Errorf("volume: %s: %w: %w", a.Path(), storage.ErrBroken, a.Err()))
		}
	}
	if err := v.config.checkLedger(v.unfinished); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Describe returns the structure WriteCurrentConfig would persist.
func (v *Volume) Describe() *config.Config {
	cfg := &config.Config{Info: compiledInfo}
	v.config.sections(cfg)
	ids := slices.SortedFunc(maps.Keys(v.unfinished), compareRecordID)
	for _, id := range ids {
		loc := v.unfinished[id]
		cfg.Unfinished = append(cfg.Unfinished, config.UnfinishedRecord{
			VolSessionID:   id.VolSessionID,
			VolSessionTime: id.VolSessionTime,
			FileIndex:      id.FileIndex,
			Stream:         id.Stream,
			DataIdx:        loc.DataIdx,
			Offset:         loc.Current,
			Size:           loc.Remaining(),
		})
	}
	return cfg
}

func (v *Volume) dataFileFor(size uint64) (*dataFile, error) {
	var generic *dataFile
	for _, df := range v.config.dataFiles {
		if df.accepts(size) {
			return df, nil
		}
		if df.blockSize == 0 && generic == nil {
			generic = df
		}
	}
	if generic == nil {
		return nil, fmt.Errorf("volume: no data file accepts %d bytes: %w", size, storage.ErrStructure)
	}
	return generic, nil
}

func (v *Volume) check() error {
	if v.closed {
		return storage.ErrClosed
	}
	if v.err != nil {
		return fmt.Errorf("volume: %w: %w", storage.ErrBroken, v.err)
	}
	return nil
}

func (v *Volume) checkWritable() error {
	if err := v.check(); err != nil {
		return err
	}
	if v.options.ReadOnly {
		return fmt.Errorf("volume: %s: %w", v.path, storage.ErrReadOnly)
	}
	return nil
}

// fail breaks the volume once the array can no longer be used.
func (v *Volume) fail(a array, err error) error {
	if a.IsOk() {
		return err
	}
	return v.latch(fmt.Errorf("volume: %w", err))
}

func (v *Volume) latch(err error) error {
	if v.err == nil {
		v.err = err
		v.options.Logf("volume broken: path=%s err=%v", v.path, err)
	}
	return err
}

// reject reports a config that could not be loaded without touching state.
func (v *Volume) reject(err error) error {
	v.options.Logf("volume config rejected: path=%s err=%v", v.path, err)
	return err
}

func (v *Volume) release() error {
	v.closed = true
	return errors.Join(v.config.close(), v.configFile.Close(), v.dir.Close())
}

func compareRecordID(a, b RecordID) int {
	return cmp.Or(
		cmp.Compare(a.VolSessionID, b.VolSessionID),
		cmp.Compare(a.VolSessionTime, b.VolSessionTime),
		cmp.Compare(a.FileIndex, b.FileIndex),
		cmp.Compare(a.Stream, b.Stream),
	)
}
