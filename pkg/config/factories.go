package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
	blobFs "github.com/marmos91/dittolock/pkg/blob/fs"
	blobMemory "github.com/marmos91/dittolock/pkg/blob/memory"
	blobS3 "github.com/marmos91/dittolock/pkg/blob/s3"
	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/marmos91/dittolock/pkg/lockservice"
	"github.com/marmos91/dittolock/pkg/lockservice/badger"
	"github.com/marmos91/dittolock/pkg/lockservice/memory"
	"github.com/marmos91/dittolock/pkg/lockservice/redis"
	"github.com/mitchellh/mapstructure"
)

// defaultS3MaxRetries is used when blob.s3.max_retries is unset.
const defaultS3MaxRetries = 10

// CreateBlobStore creates a blob store based on configuration.
//
// This factory function uses the Type field to determine which backend to
// create, then decodes the type-specific configuration from the corresponding
// map and passes it to the backend's constructor.
//
// Supported types:
//   - "filesystem": Uses pkg/blob/fs (local filesystem storage)
//   - "memory": Uses pkg/blob/memory (lost on exit)
//   - "s3": Uses pkg/blob/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Blob store configuration
//   - m: Optional metrics collector (nil disables collection)
func CreateBlobStore(ctx context.Context, cfg *BlobConfig, m blob.Metrics) (*blob.ChunkedStore, error) {
	var opts []blob.ChunkedStoreOption
	if m != nil {
		opts = append(opts, blob.WithMetrics(m))
	}

	switch cfg.Type {
	case "filesystem":
		return createFilesystemBlobStore(ctx, cfg.Filesystem, cfg.ChunkSize, opts)
	case "memory":
		return blobMemory.NewMemoryBlobStore(ctx, cfg.ChunkSize, opts...)
	case "s3":
		return createS3BlobStore(ctx, cfg.S3, cfg.ChunkSize, opts)
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", cfg.Type)
	}
}

// createFilesystemBlobStore creates a filesystem-based blob store.
func createFilesystemBlobStore(ctx context.Context, options map[string]any, chunkSize int, opts []blob.ChunkedStoreOption) (*blob.ChunkedStore, error) {
	type FilesystemBlobStoreConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg FilesystemBlobStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem blob store config: %w", err)
	}

	if storeCfg.Path == "" {
		return nil, fmt.Errorf("filesystem blob store: path is required")
	}

	store, err := blobFs.NewFSBlobStore(ctx, storeCfg.Path, chunkSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem blob store: %w", err)
	}

	return store, nil
}

// createS3BlobStore creates an S3-based blob store.
func createS3BlobStore(ctx context.Context, options map[string]any, chunkSize int, opts []blob.ChunkedStoreOption) (*blob.ChunkedStore, error) {
	type S3BlobStoreConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3BlobStoreConfig
	if err := weakDecode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 blob store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 blob store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 blob store: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Set credentials if provided, otherwise use default credential chain
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultS3MaxRetries
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if storeCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(storeCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Blob Store
	// ========================================================================

	store, err := blobS3.NewS3BlobStore(ctx, blobS3.S3BackendConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	}, chunkSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 blob store: %w", err)
	}

	logger.Info("S3 blob store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return store, nil
}

// CreateRecordStore creates the lock record store based on configuration.
//
// Supported backends:
//   - "memory": Uses pkg/lockservice/memory (single process only)
//   - "badger": Uses pkg/lockservice/badger (processes sharing one host)
//   - "redis": Uses pkg/lockservice/redis (any number of hosts)
func CreateRecordStore(ctx context.Context, cfg *LocksConfig) (lockservice.RecordStore, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewMemoryRecordStore(), nil
	case "badger":
		return createBadgerRecordStore(ctx, cfg.Badger)
	case "redis":
		return createRedisRecordStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown lock backend: %q", cfg.Backend)
	}
}

// createBadgerRecordStore creates a BadgerDB-based record store.
func createBadgerRecordStore(ctx context.Context, options map[string]any) (lockservice.RecordStore, error) {
	var storeCfg badger.BadgerRecordStoreConfig
	if err := weakDecode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger lock store config: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger lock store: db_path is required")
	}

	store, err := badger.NewBadgerRecordStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger lock store: %w", err)
	}

	return store, nil
}

// createRedisRecordStore creates a Redis-based record store and checks
// that the server answers.
func createRedisRecordStore(ctx context.Context, options map[string]any) (lockservice.RecordStore, error) {
	var storeCfg redis.RedisRecordStoreConfig
	if err := weakDecode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode redis lock store config: %w", err)
	}

	store, err := redis.NewRedisRecordStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis lock store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("redis lock store unreachable at %s: %w", storeCfg.Addr, err)
	}

	logger.Info("Redis lock store initialized: addr=%s, db=%d, prefix=%s",
		storeCfg.Addr, storeCfg.DB, storeCfg.KeyPrefix)

	return store, nil
}

// weakDecode decodes a type-specific section, accepting duration strings
// ("30s") and numbers written as strings, as they come from YAML and the
// environment.
func weakDecode(input map[string]any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// LockServiceOptions converts the lock section into coordinator options.
func LockServiceOptions(cfg *LocksConfig) lockservice.Options {
	return lockservice.Options{
		DefaultTTL:    cfg.TTL,
		WaitBudget:    cfg.WaitBudget,
		RenewalMargin: cfg.RenewalMargin,
		PollInterval:  cfg.PollInterval,
		Owner:         cfg.Owner,
	}
}

// Runtime bundles everything a command needs to serve lock-guarded file
// operations. Close releases all of it.
type Runtime struct {
	Locker  *locking.Locker
	Metrics *MetricsResult

	records *onceRecordStore
}

// Close shuts the Locker down and closes the record store, which the
// coordinator only closes if it was ever initialized.
func (r *Runtime) Close() error {
	return errors.Join(r.Locker.Close(), r.records.Close())
}

// CreateRuntime builds the blob store, the lock record store and the Locker
// from configuration.
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Complete, validated configuration
//   - m: Metrics components from InitializeMetrics (nil disables metrics)
func CreateRuntime(ctx context.Context, cfg *Config, m *MetricsResult) (*Runtime, error) {
	if m == nil {
		m = &MetricsResult{}
	}

	store, err := CreateBlobStore(ctx, &cfg.Blob, m.BlobMetrics)
	if err != nil {
		return nil, err
	}

	records, err := CreateRecordStore(ctx, &cfg.Locks)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	owned := &onceRecordStore{RecordStore: records}

	registry := locking.NewRegistry(locking.StoreOpener(owned, LockServiceOptions(&cfg.Locks)))

	locker, err := locking.New(store, registry, locking.Options{
		Root:    cfg.Root,
		Metrics: m.LockMetrics,
	})
	if err != nil {
		_ = store.Close()
		_ = owned.Close()
		return nil, err
	}

	logger.Debug("Runtime ready: root=%s, blob=%s, locks=%s, ttl=%s",
		cfg.Root, cfg.Blob.Type, cfg.Locks.Backend, cfg.Locks.TTL.Round(time.Millisecond))

	return &Runtime{Locker: locker, Metrics: m, records: owned}, nil
}

// onceRecordStore makes Close idempotent, since both the coordinator and the
// Runtime may close the store.
type onceRecordStore struct {
	lockservice.RecordStore

	once sync.Once
	err  error
}

func (s *onceRecordStore) Close() error {
	s.once.Do(func() {
		s.err = s.RecordStore.Close()
	})
	return s.err
}
