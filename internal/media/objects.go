package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const defaultStatWorkers = 4

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to a media id to form the object key.
	Prefix string
}

// ObjectChecker reports media ids with no stored object in the bucket.
type ObjectChecker struct {
	client  *minio.Client
	bucket  string
	prefix  string
	workers int
	logger  zerolog.Logger
}

func NewObjectChecker(cfg Config, logger zerolog.Logger) (*ObjectChecker, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("media endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &ObjectChecker{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		workers: defaultStatWorkers,
		logger:  logger,
	}, nil
}

// Missing stats every id and returns those without an object, in input
// order. Any error other than a missing key aborts the check.
func (c *ObjectChecker) Missing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	absent := make(map[string]bool)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.workers)
	for _, id := range ids {
		id := id
		p.Go(func(ctx context.Context) error {
			ok, err := c.exists(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				absent[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if absent[id] {
			missing = append(missing, id)
			delete(absent, id)
		}
	}
	if len(missing) > 0 {
		c.logger.Debug().Strs("media_ids", missing).Msg("media objects missing")
	}
	return missing, nil
}

func (c *ObjectChecker) exists(ctx context.Context, id string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, c.prefix+id, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return false, nil
	}
	return false, fmt.Errorf("stat media %s: %w", id, err)
}
