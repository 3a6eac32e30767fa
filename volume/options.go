package volume

import (
	"fmt"
	"log"
	"os"

	"github.com/viant/dedupvol/volume/config"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

const (
	defaultBlockChunk  = 1024
	defaultRecordChunk = 4096
	defaultDataChunk   = 4 << 20
	defaultFileMode    = 0o640
)

// Options configures how a volume lays out and grows its files.
type Options struct {
	// BlockChunk is the growth step of the block file, in descriptors.
	BlockChunk int `yaml:"blockChunk"`
	// RecordChunk is the growth step of the record file, in descriptors.
	RecordChunk int `yaml:"recordChunk"`
	// DataChunk is the growth step of each data file, in bytes.
	DataChunk int `yaml:"dataChunk"`
	// DataBlockSizes lists one data file per block size when a volume is
	// created. Block size 0 accepts payloads of any length.
	DataBlockSizes []uint64 `yaml:"dataBlockSizes"`
	// FileMode is the permission of newly created files.
	FileMode uint32 `yaml:"fileMode"`
	// ReadOnly opens every file read-only; mutations fail and Close persists nothing.
	ReadOnly bool `yaml:"readOnly"`

	// Codec encodes the config file; defaults to config.Binary.
	Codec config.Codec `yaml:"-"`

	// Logf receives operational messages; defaults to log.Printf.
	Logf func(format string, args ...interface{}) `yaml:"-"`
}

// Option adjusts Options.
type Option func(o *Options)

// WithChunkSizes sets the growth steps of the block, record and data files.
func WithChunkSizes(block, record, data int) Option {
	return func(o *Options) {
		o.BlockChunk = block
		o.RecordChunk = record
		o.DataChunk = data
	}
}

// WithDataBlockSizes sets the data files created with a new volume.
func WithDataBlockSizes(sizes ...uint64) Option {
	return func(o *Options) { o.DataBlockSizes = sizes }
}

// WithFileMode sets the permission of newly created files.
func WithFileMode(mode uint32) Option {
	return func(o *Options) { o.FileMode = mode }
}

// WithReadOnly opens the volume for inspection only.
func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// WithCodec replaces the config codec.
func WithCodec(codec config.Codec) Option {
	return func(o *Options) { o.Codec = codec }
}

// WithLogf sets the logger; nil silences the volume.
func WithLogf(logf func(format string, args ...interface{})) Option {
	return func(o *Options) {
		if logf == nil {
			logf = func(string, ...interface{}) {}
		}
		o.Logf = logf
	}
}

// WithOptions copies every non-zero field of src.
func WithOptions(src *Options) Option {
	return func(o *Options) {
		if src == nil {
			return
		}
		if src.BlockChunk != 0 {
			o.BlockChunk = src.BlockChunk
		}
		if src.RecordChunk != 0 {
			o.RecordChunk = src.RecordChunk
		}
		if src.DataChunk != 0 {
			o.DataChunk = src.DataChunk
		}
		if len(src.DataBlockSizes) > 0 {
			o.DataBlockSizes = src.DataBlockSizes
		}
		if src.FileMode != 0 {
			o.FileMode = src.FileMode
		}
		if src.ReadOnly {
			o.ReadOnly = true
		}
		if src.Codec != nil {
			o.Codec = src.Codec
		}
		if src.Logf != nil {
			o.Logf = src.Logf
		}
	}
}

// LoadOptions reads Options from a YAML file.
func LoadOptions(path string) (*Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var opts Options
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return nil, fmt.Errorf("volume: options %s: %w", path, err)
	}
	return &opts, nil
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		BlockChunk:     defaultBlockChunk,
		RecordChunk:    defaultRecordChunk,
		DataChunk:      defaultDataChunk,
		DataBlockSizes: []uint64{0},
		FileMode:       defaultFileMode,
		Codec:          config.Binary,
		Logf:           log.Printf,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Options) validate() error {
	if o.BlockChunk < 1 || o.RecordChunk < 1 || o.DataChunk < 1 {
		return fmt.Errorf("volume: chunk sizes must be positive: block=%d record=%d data=%d", o.BlockChunk, o.RecordChunk, o.DataChunk)
	}
	if len(o.DataBlockSizes) == 0 {
		return fmt.Errorf("volume: at least one data file is required")
	}
	if o.Codec == nil {
		return fmt.Errorf("volume: codec is required")
	}
	return nil
}

func (o *Options) openFlags() int {
	if o.ReadOnly {
		return unix.O_RDONLY
	}
	return unix.O_RDWR
}
