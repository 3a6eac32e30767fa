package volume

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/viant/dedupvol/storage"
	"github.com/viant/dedupvol/volume/config"
)

func testOptions(extra ...Option) []Option {
	return append([]Option{WithLogf(nil), WithChunkSizes(4, 4, 64)}, extra...)
}

func createVolume(t *testing.T, extra ...Option) (*Volume, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vol")
	v, err := Create(dir, testOptions(extra...)...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v, dir
}

func openVolume(t *testing.T, dir string, extra ...Option) *Volume {
	t.Helper()
	v, err := Open(dir, testOptions(extra...)...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

// rewriteConfig stores cfg as the volume config file, bypassing the volume.
func rewriteConfig(t *testing.T, dir string, cfg *config.Config) {
	t.Helper()
	data, err := config.Binary.ToBytes(cfg)
	if err != nil {
		t.Fatalf("to bytes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configName), data, 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestVolume_CreateAppendReopen(t *testing.T) {
	v, dir := createVolume(t)

	block := BlockHeader{Native: NativeBlockHeader{BlockNumber: 1, ID: [4]byte{'B', 'B', '0', '2'}}, RecordCount: 2}
	records := []RecordHeader{
		{Native: NativeRecordHeader{FileIndex: 1, Stream: 1, DataSize: 10}, Offset: 0},
		{Native: NativeRecordHeader{FileIndex: 1, Stream: 2, DataSize: 20}, Offset: 10},
	}
	for i := 0; i < 5; i++ {
		block.Native.BlockNumber = uint32(i)
		idx, err := v.AppendBlock(block)
		if err != nil {
			t.Fatalf("append block: %v", err)
		}
		if idx != uint64(i) {
			t.Fatalf("block index: got %d, want %d", idx, i)
		}
	}
	first, err := v.AppendRecords(records...)
	if err != nil {
		t.Fatalf("append records: %v", err)
	}
	if first != 0 {
		t.Fatalf("first record: got %d, want 0", first)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openVolume(t, dir)
	if got := reopened.BlockCount(); got != 5 {
		t.Fatalf("block count: got %d, want 5", got)
	}
	if got := reopened.RecordCount(); got != 2 {
		t.Fatalf("record count: got %d, want 2", got)
	}
	got, err := reopened.ReadBlock(3)
	if err != nil {
		t.Fatalf("read block: %v", err)
	}
	if got.Native.BlockNumber != 3 || got.RecordCount != 2 {
		t.Fatalf("unexpected block: %+v", got)
	}
	gotRecords, err := reopened.ReadRecords(0, 2)
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if !reflect.DeepEqual(gotRecords, records) {
		t.Fatalf("records: got %+v, want %+v", gotRecords, records)
	}

	// appends continue after the persisted entries
	idx, err := reopened.AppendBlock(block)
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if idx != 5 {
		t.Fatalf("block index after reopen: got %d, want 5", idx)
	}
	if _, err := reopened.ReadBlock(6); !errors.Is(err, storage.ErrBounds) {
		t.Fatalf("expected ErrBounds, got %v", err)
	}
	if !reopened.IsOk() {
		t.Fatalf("bounds error must not break the volume: %v", reopened.Err())
	}
}

func TestVolume_CreateRefusesExisting(t *testing.T) {
	v, dir := createVolume(t)
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := Create(dir, testOptions()...); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
}

func TestVolume_UnfinishedRecordSurvivesReopen(t *testing.T) {
	v, dir := createVolume(t)
	b := RecordID{VolSessionID: 1, VolSessionTime: 1700000000, FileIndex: 1, Stream: 1}
	a := RecordID{VolSessionID: 1, VolSessionTime: 1700000000, FileIndex: 2, Stream: 1}

	if _, err := v.BeginRecord(b, 100); err != nil {
		t.Fatalf("begin b: %v", err)
	}
	loc, err := v.WriteRecordData(b, bytes.Repeat([]byte{'b'}, 100))
	if err != nil {
		t.Fatalf("write b: %v", err)
	}
	if loc.Remaining() != 0 {
		t.Fatalf("b should be finished: %+v", loc)
	}
	if _, ok := v.UnfinishedRecord(b); ok {
		t.Fatalf("finished record must leave the ledger")
	}

	loc, err = v.BeginRecord(a, 50)
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}
	want := WriteLoc{DataIdx: 0, Current: 100, End: 150}
	if loc != want {
		t.Fatalf("begin a: got %+v, want %+v", loc, want)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openVolume(t, dir)
	got, ok := reopened.UnfinishedRecord(a)
	if !ok {
		t.Fatalf("unfinished record missing after reopen")
	}
	if got != want || got.Remaining() != 50 {
		t.Fatalf("reopened: got %+v, want %+v", got, want)
	}
	if len(reopened.Unfinished()) != 1 {
		t.Fatalf("ledger: %+v", reopened.Unfinished())
	}

	payload := bytes.Repeat([]byte{'a'}, 50)
	if _, err := reopened.WriteRecordData(a, payload[:20]); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if _, err := reopened.WriteRecordData(a, payload[20:]); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if _, ok := reopened.UnfinishedRecord(a); ok {
		t.Fatalf("a should be finished")
	}
	data, err := reopened.ReadData(0, 90, 20)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if want := append(bytes.Repeat([]byte{'b'}, 10), bytes.Repeat([]byte{'a'}, 10)...); !bytes.Equal(data, want) {
		t.Fatalf("data: got %q, want %q", data, want)
	}
	if err := reopened.Check(); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestVolume_RecordErrors(t *testing.T) {
	v, _ := createVolume(t)
	id := RecordID{VolSessionID: 9, FileIndex: 3}

	if _, err := v.WriteRecordData(id, []byte("x")); !errors.Is(err, storage.ErrUnknownRecord) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
	if err := v.AbortRecord(id); !errors.Is(err, storage.ErrUnknownRecord) {
		t.Fatalf("expected ErrUnknownRecord, got %v", err)
	}
	if _, err := v.BeginRecord(id, 8); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := v.BeginRecord(id, 8); !errors.Is(err, storage.ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord, got %v", err)
	}
	if _, err := v.WriteRecordData(id, make([]byte, 9)); !errors.Is(err, storage.ErrBounds) {
		t.Fatalf("expected ErrBounds, got %v", err)
	}
	if !v.IsOk() {
		t.Fatalf("rejections must not break the volume: %v", v.Err())
	}
	if err := v.AbortRecord(id); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(v.Unfinished()) != 0 {
		t.Fatalf("ledger should be empty: %+v", v.Unfinished())
	}
}

func TestVolume_DataFileSelection(t *testing.T) {
	v, _ := createVolume(t, WithDataBlockSizes(0, 64))

	testCases := []struct {
		description string
		size        uint64
		expect      uint32
	}{
		{description: "multiple of block size", size: 128, expect: 1},
		{description: "exact block size", size: 64, expect: 1},
		{description: "not a multiple", size: 100, expect: 0},
		{description: "below block size", size: 32, expect: 0},
	}
	for i, testCase := range testCases {
		loc, err := v.BeginRecord(RecordID{FileIndex: int32(i)}, testCase.size)
		if err != nil {
			t.Fatalf("%s: begin: %v", testCase.description, err)
		}
		if loc.DataIdx != testCase.expect {
			t.Fatalf("%s: data file %d, want %d", testCase.description, loc.DataIdx, testCase.expect)
		}
	}

	fixed, _ := createVolume(t, WithDataBlockSizes(64))
	if _, err := fixed.BeginRecord(RecordID{}, 100); !errors.Is(err, storage.ErrStructure) {
		t.Fatalf("expected ErrStructure, got %v", err)
	}
}

func TestVolume_LoadConfigRejects(t *testing.T) {
	testCases := []struct {
		description string
		mutate      func(cfg *config.Config)
		expect      error
	}{
		{
			description: "two block files",
			mutate: func(cfg *config.Config) {
				cfg.Blocks = append(cfg.Blocks, config.BlockSection{Begin: 1, End: 1, Path: "blocks.1"})
			},
			expect: storage.ErrStructure,
		},
		{
			description: "two record files",
			mutate: func(cfg *config.Config) {
				cfg.Records = append(cfg.Records, config.RecordSection{Begin: 1, End: 1, Path: "records.1"})
			},
			expect: storage.ErrStructure,
		},
		{
			description: "header size mismatch",
			mutate: func(cfg *config.Config) {
				cfg.Info.DedupRecordHeaderSize++
			},
			expect: storage.ErrIncompatible,
		},
		{
			description: "duplicate unfinished record",
			mutate: func(cfg *config.Config) {
				cfg.Unfinished = append(cfg.Unfinished, cfg.Unfinished[0])
			},
			expect: storage.ErrDuplicateRecord,
		},
		{
			description: "unfinished region outside data file",
			mutate: func(cfg *config.Config) {
				cfg.Unfinished[0].Offset = cfg.Data[0].End
			},
			expect: storage.ErrStructure,
		},
		{
			description: "unknown data file",
			mutate: func(cfg *config.Config) {
				cfg.Unfinished[0].DataIdx = 7
			},
			expect: storage.ErrStructure,
		},
	}

	for _, testCase := range testCases {
		v, dir := createVolume(t)
		if _, err := v.AppendBlock(BlockHeader{RecordCount: 1}); err != nil {
			t.Fatalf("%s: append block: %v", testCase.description, err)
		}
		id := RecordID{VolSessionID: 3, Stream: 1}
		if _, err := v.BeginRecord(id, 10); err != nil {
			t.Fatalf("%s: begin: %v", testCase.description, err)
		}
		if err := v.Flush(); err != nil {
			t.Fatalf("%s: flush: %v", testCase.description, err)
		}
		before := v.Describe()

		cfg := v.Describe()
		testCase.mutate(cfg)
		rewriteConfig(t, dir, cfg)

		if err := v.LoadConfig(); !errors.Is(err, testCase.expect) {
			t.Fatalf("%s: expected %v, got %v", testCase.description, testCase.expect, err)
		}
		if !v.IsOk() {
			t.Fatalf("%s: rejected load must not break the volume: %v", testCase.description, v.Err())
		}
		if after := v.Describe(); !reflect.DeepEqual(after, before) {
			t.Fatalf("%s: state changed: got %+v, want %+v", testCase.description, after, before)
		}
		if _, err := v.AppendBlock(BlockHeader{}); err != nil {
			t.Fatalf("%s: append after rejected load: %v", testCase.description, err)
		}
	}
}

func TestVolume_LoadConfigReplacesState(t *testing.T) {
	v, _ := createVolume(t)
	id := RecordID{VolSessionID: 4}
	if _, err := v.BeginRecord(id, 16); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := v.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := v.WriteRecordData(id, make([]byte, 16)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.LoadConfig(); err != nil {
		t.Fatalf("load: %v", err)
	}
	loc, ok := v.UnfinishedRecord(id)
	if !ok || loc.Remaining() != 16 {
		t.Fatalf("ledger should match the persisted config: %+v %v", loc, ok)
	}
}

func TestVolume_OpenRejectsTruncatedConfig(t *testing.T) {
	v, dir := createVolume(t)
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	path := filepath.Join(dir, configName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0o640); err != nil {
		t.Fatalf("truncate config: %v", err)
	}
	if _, err := Open(dir, testOptions()...); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

type failingCodec struct {
	config.Codec
	fail *bool
}

func (c failingCodec) ToBytes(cfg *config.Config) ([]byte, error) {
	if *c.fail {
		return nil, errors.New("encode failed")
	}
	return c.Codec.ToBytes(cfg)
}

func TestVolume_WriteConfigFailureBreaksVolume(t *testing.T) {
	fail := false
	v, _ := createVolume(t, WithCodec(failingCodec{Codec: config.Binary, fail: &fail}))
	if _, err := v.AppendBlock(BlockHeader{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	fail = true
	if err := v.WriteCurrentConfig(); err == nil {
		t.Fatalf("expected write config to fail")
	}
	if v.IsOk() {
		t.Fatalf("volume should be broken")
	}
	if _, err := v.AppendBlock(BlockHeader{}); !errors.Is(err, storage.ErrBroken) {
		t.Fatalf("expected ErrBroken, got %v", err)
	}
	if err := v.Check(); err == nil {
		t.Fatalf("check should report the failure")
	}
}

func TestVolume_ClosedVolume(t *testing.T) {
	v, _ := createVolume(t)
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := v.AppendBlock(BlockHeader{}); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if v.IsOk() {
		t.Fatalf("closed volume is not ok")
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.yaml")
	content := "blockChunk: 8\nrecordChunk: 16\ndataChunk: 4096\ndataBlockSizes: [0, 65536]\nfileMode: 384\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("load options: %v", err)
	}
	got := newOptions(WithOptions(opts))
	if got.BlockChunk != 8 || got.RecordChunk != 16 || got.DataChunk != 4096 {
		t.Fatalf("chunks: %+v", got)
	}
	if !reflect.DeepEqual(got.DataBlockSizes, []uint64{0, 65536}) {
		t.Fatalf("data block sizes: %v", got.DataBlockSizes)
	}
	if got.FileMode != 0o600 {
		t.Fatalf("file mode: %o", got.FileMode)
	}
	if got.Codec == nil || got.Logf == nil {
		t.Fatalf("defaults must survive: %+v", got)
	}
}

func TestVolume_CreateFailureRemovesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vol")
	blocks := filepath.Join(dir, blocksName)
	if err := os.MkdirAll(blocks, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := Create(dir, testOptions()...); err == nil {
		t.Fatalf("expected create to fail while %s is a directory", blocks)
	}
	if _, err := os.Stat(filepath.Join(dir, configName)); !os.IsNotExist(err) {
		t.Fatalf("config must not survive a failed create: %v", err)
	}

	if err := os.Remove(blocks); err != nil {
		t.Fatalf("remove: %v", err)
	}
	v, err := Create(dir, testOptions()...)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	openVolume(t, dir)
}

func TestVolume_ReadOnlyPersistsNothing(t *testing.T) {
	v, dir := createVolume(t)
	if _, err := v.AppendBlock(BlockHeader{RecordCount: 7}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro := openVolume(t, dir, WithReadOnly())
	got, err := ro.ReadBlock(0)
	if err != nil {
		t.Fatalf("read block: %v", err)
	}
	if got.RecordCount != 7 {
		t.Fatalf("unexpected block: %+v", got)
	}
	if _, err := ro.AppendBlock(BlockHeader{}); !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if _, err := ro.BeginRecord(RecordID{}, 8); !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := ro.Flush(); !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if !ro.IsOk() {
		t.Fatalf("read-only rejections must not break the volume: %v", ro.Err())
	}

	// replace the config behind the open volume; Close must leave it alone
	cfg := ro.Describe()
	cfg.Unfinished = append(cfg.Unfinished, config.UnfinishedRecord{VolSessionID: 42})
	rewriteConfig(t, dir, cfg)
	want, err := os.ReadFile(filepath.Join(dir, configName))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if err := ro.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(dir, configName))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !bytes.Equal(after, want) {
		t.Fatalf("read-only close rewrote the config")
	}
}

func TestVolume_CreateRejectsReadOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vol")
	if _, err := Create(dir, testOptions(WithReadOnly())...); !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestVolume_FailedConfigReadKeepsVolumeUsable(t *testing.T) {
	v, dir := createVolume(t)
	if _, err := v.AppendBlock(BlockHeader{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := v.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	path := filepath.Join(dir, configName)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove config: %v", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}

	if err := v.LoadConfig(); err == nil {
		t.Fatalf("expected load to fail on an unreadable config")
	}
	if !v.IsOk() {
		t.Fatalf("failed load must not break the volume: %v", v.Err())
	}
	if err := v.WriteCurrentConfig(); err != nil {
		t.Fatalf("write config after failed load: %v", err)
	}
	if _, err := v.AppendBlock(BlockHeader{}); err != nil {
		t.Fatalf("append after failed load: %v", err)
	}
	if got := v.BlockCount(); got != 2 {
		t.Fatalf("block count: got %d, want 2", got)
	}
}
