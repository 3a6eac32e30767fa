// Package checkpoint keeps point-in-time copies of a volume config outside the
// volume directory and restores them. Every copy is written to a temporary
// object first and then moved into place.
package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"github.com/viant/dedupvol/volume/config"
)

const (
	snapshotPrefix = "config-"
	snapshotSuffix = ".snap"
	tempSuffix     = ".tmp"
	configName     = "config"
)

// Source supplies the encoded config of a live volume.
type Source interface {
	ConfigBytes() ([]byte, error)
}

// Store manages snapshots under one base URL.
type Store struct {
	fs      afs.Service
	baseURL string
	keep    int
	codec   config.Codec
	logf    func(format string, args ...interface{})
	now     func() time.Time
}

// Option adjusts a Store.
type Option func(s *Store)

// WithKeep limits how many snapshots survive a Save; 0 keeps all.
func WithKeep(n int) Option {
	return func(s *Store) { s.keep = n }
}

// WithCodec sets the codec used to validate snapshots.
func WithCodec(codec config.Codec) Option {
	return func(s *Store) { s.codec = codec }
}

// WithLogf sets the logger; nil silences the store.
func WithLogf(logf func(format string, args ...interface{})) Option {
	return func(s *Store) {
		if logf == nil {
			logf = func(string, ...interface{}) {}
		}
		s.logf = logf
	}
}

// New creates a store rooted at baseURL. A plain path is treated as a local
// directory.
func New(baseURL string, opts ...Option) *Store {
	s := &Store{
		fs:      afs.New(),
		baseURL: normalize(baseURL),
		codec:   config.Binary,
		logf:    log.Printf,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores the current config of src as a new snapshot and returns its URL.
func (s *Store) Save(ctx context.Context, src Source) (string, error) {
	data, err := src.ConfigBytes()
	if err != nil {
		return "", fmt.Errorf("checkpoint: save: %w", err)
	}
	name := fmt.Sprintf("%s%020d%s", snapshotPrefix, s.now().UnixNano(), snapshotSuffix)
	target := url.Join(s.baseURL, name)
	if err := s.put(ctx, s.baseURL, target, data); err != nil {
		return "", fmt.Errorf("checkpoint: save %s: %w", name, err)
	}
	s.logf("checkpoint saved: url=%s size=%d", target, len(data))
	if err := s.prune(ctx); err != nil {
		return target, err
	}
	return target, nil
}

// List returns snapshot URLs, oldest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if ok, _ := s.fs.Exists(ctx, s.baseURL); !ok {
		return nil, nil
	}
	objects, err := s.fs.List(ctx, s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", s.baseURL, err)
	}
	var result []string
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		name := object.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		result = append(result, url.Join(s.baseURL, name))
	}
	sort.Strings(result)
	return result, nil
}

// Latest returns the URL and content of the newest snapshot.
func (s *Store) Latest(ctx context.Context) (string, []byte, error) {
	snapshots, err := s.List(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(snapshots) == 0 {
		return "", nil, fmt.Errorf("checkpoint: no snapshot under %s", s.baseURL)
	}
	latest := snapshots[len(snapshots)-1]
	data, err := s.fs.DownloadWithURL(ctx, latest)
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: download %s: %w", latest, err)
	}
	return latest, data, nil
}

// Restore validates the snapshot at snapshotURL and installs it as the config
// of the volume in volumeDir. The volume must not be open.
func (s *Store) Restore(ctx context.Context, snapshotURL, volumeDir string) error {
	snapshotURL = normalize(snapshotURL)
	data, err := s.fs.DownloadWithURL(ctx, snapshotURL)
	if err != nil {
		return fmt.Errorf("checkpoint: download %s: %w", snapshotURL, err)
	}
	if _, err := s.codec.FromBytes(data); err != nil {
		return fmt.Errorf("checkpoint: restore %s: %w", snapshotURL, err)
	}
	dirURL := normalize(volumeDir)
	target := url.Join(dirURL, configName)
	if err := s.put(ctx, dirURL, target, data); err != nil {
		return fmt.Errorf("checkpoint: restore %s: %w", snapshotURL, err)
	}
	s.logf("checkpoint restored: url=%s volume=%s", snapshotURL, volumeDir)
	return nil
}

// put uploads data under a unique temporary name in dirURL, then moves it to target.
func (s *Store) put(ctx context.Context, dirURL, target string, data []byte) error {
	tmp := url.Join(dirURL, uuid.NewString()+tempSuffix)
	if err := s.fs.Upload(ctx, tmp, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload temp: %w", err)
	}
	err := s.fs.Move(ctx, tmp, target)
	if err == nil {
		return nil
	}
	s.logf("checkpoint move failed: src=%s dst=%s err=%v", tmp, target, err)
	// the backend could not move: write the target directly
	defer func() { _ = s.fs.Delete(ctx, tmp) }()
	if err := s.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload %s: %w", path.Base(target), err)
	}
	return nil
}

func (s *Store) prune(ctx context.Context) error {
	if s.keep <= 0 {
		return nil
	}
	snapshots, err := s.List(ctx)
	if err != nil {
		return err
	}
	for len(snapshots) > s.keep {
		if err := s.fs.Delete(ctx, snapshots[0]); err != nil {
			return fmt.Errorf("checkpoint: prune %s: %w", snapshots[0], err)
		}
		s.logf("checkpoint pruned: url=%s", snapshots[0])
		snapshots = snapshots[1:]
	}
	return nil
}

func normalize(location string) string {
	if url.Scheme(location, "") != "" {
		return location
	}
	if url.IsRelative(location) {
		if abs, err := filepath.Abs(location); err == nil {
			location = abs
		}
	}
	return url.ToFileURL(location)
}
