// Package artifactcache stores compiled artifacts in Redis so identical
// compile requests skip the toolchain.
package artifactcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/sandbox/artifact"
	"execbox/internal/sandbox/compiler"
	"execbox/internal/sandbox/workspace"
	"execbox/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "execbox:artifact:"
	lockKeyPrefix = "execbox:artifact:lock:"
	fieldMeta     = "meta"
	fieldBlob     = "blob"
	lockTTL       = 30 * time.Second
	// Artifacts larger than this are compiled every time.
	maxBlobBytes = 64 << 20
)

var errCorrupt = errors.New("corrupt cache entry")

type entryMeta struct {
	Language artifact.Language     `json:"language"`
	Format   artifact.TargetFormat `json:"format"`
	Name     string                `json:"name"`
	Size     int                   `json:"size"`
}

// Compiler wraps another compiler with a Redis-backed artifact cache.
type Compiler struct {
	next       compiler.Compiler
	store      cache.Cache
	ttl        time.Duration
	workspaces *workspace.Manager
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

var _ compiler.Compiler = (*Compiler)(nil)

// Wrap returns next unchanged when store is nil.
func Wrap(next compiler.Compiler, store cache.Cache, ttl time.Duration, workspaces *workspace.Manager) compiler.Compiler {
	if store == nil || next == nil {
		return next
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return next
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobBytes))
	if err != nil {
		return next
	}
	if workspaces == nil {
		workspaces = workspace.NewManager("", "")
	}
	return &Compiler{
		next:       next,
		store:      store,
		ttl:        ttl,
		workspaces: workspaces,
		encoder:    encoder,
		decoder:    decoder,
	}
}

func (c *Compiler) Language() artifact.Language { return c.next.Language() }

func (c *Compiler) Targets() []artifact.TargetFormat { return c.next.Targets() }

// Compile serves a cached artifact when one exists. Cache failures are
// logged and never fail the compile.
func (c *Compiler) Compile(ctx context.Context, source []byte, opts compiler.Options) (*artifact.Artifact, error) {
	if len(source) == 0 {
		return c.next.Compile(ctx, source, opts)
	}
	key := Key(c.next.Language(), source, opts)
	art, err := c.load(ctx, key)
	if err != nil {
		logger.Warn(ctx, "artifact cache read failed", zap.String("key", key), zap.Error(err))
	}
	if errors.Is(err, errCorrupt) {
		if err := c.store.Del(ctx, key); err != nil {
			logger.Warn(ctx, "drop corrupt artifact entry failed", zap.String("key", key), zap.Error(err))
		}
	}
	if art != nil {
		logger.Debug(ctx, "artifact cache hit", zap.String("key", key))
		return art, nil
	}

	art, err = c.next.Compile(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	// Scripts are the source itself plus a host interpreter path.
	if len(art.Interpreter()) > 0 {
		return art, nil
	}
	if err := c.save(ctx, key, art); err != nil {
		logger.Warn(ctx, "artifact cache write failed", zap.String("key", key), zap.Error(err))
	}
	return art, nil
}

// Key identifies a compile request by language, target, options and source.
func Key(lang artifact.Language, source []byte, opts compiler.Options) string {
	target := opts.Target
	if target == "" {
		target = artifact.Native
	}
	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(string(lang))
	write(string(target))
	level := opts.OptLevel
	if level == "" {
		level = compiler.OptNone
	}
	write(string(level))
	for _, f := range opts.ExtraFlags {
		write(f)
	}
	write("")
	_, _ = h.Write(source)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (c *Compiler) load(ctx context.Context, key string) (*artifact.Artifact, error) {
	fields, err := c.store.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var meta entryMeta
	if err := json.Unmarshal([]byte(fields[fieldMeta]), &meta); err != nil {
		return nil, errCorrupt
	}
	if meta.Name == "" || meta.Language != c.next.Language() {
		return nil, errCorrupt
	}
	data, err := c.decoder.DecodeAll([]byte(fields[fieldBlob]), make([]byte, 0, meta.Size))
	if err != nil || len(data) != meta.Size {
		return nil, errCorrupt
	}

	ws, err := c.workspaces.Create(ctx, "cached-"+string(meta.Language))
	if err != nil {
		return nil, err
	}
	mode := os.FileMode(0o555)
	if meta.Format == artifact.Wasm {
		mode = 0o444
	}
	path, err := ws.WriteFile(meta.Name, data, mode)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	art, err := artifact.New(meta.Language, meta.Format, path, nil, ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return art, nil
}

func (c *Compiler) save(ctx context.Context, key string, art *artifact.Artifact) error {
	locked, err := c.store.TryLock(ctx, lockKeyPrefix+key, lockTTL)
	if err != nil {
		return err
	}
	if !locked {
		// Another compile of the same request is writing the entry.
		return nil
	}
	defer func() {
		_ = c.store.Unlock(context.WithoutCancel(ctx), lockKeyPrefix+key)
	}()

	data, err := art.Bytes()
	if err != nil {
		return err
	}
	if len(data) > maxBlobBytes {
		return nil
	}
	meta, err := json.Marshal(entryMeta{
		Language: art.Language(),
		Format:   art.Format(),
		Name:     art.Name(),
		Size:     len(data),
	})
	if err != nil {
		return err
	}
	blob := c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := c.store.HMSet(ctx, key, map[string]interface{}{
		fieldMeta: string(meta),
		fieldBlob: blob,
	}); err != nil {
		return err
	}
	if c.ttl > 0 {
		return c.store.Expire(ctx, key, cache.JitterTTL(c.ttl))
	}
	return nil
}
