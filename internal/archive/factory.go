package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/verkhohliad/chaos-oracle/internal/config"
)

// New 根据配置选择归档驱动。
func New(ctx context.Context, cfg config.ArchiveConfig, dataDir string, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "arweave":
		return NewArweaveStore(ArweaveConfig{
			GatewayURL:   cfg.Arweave.GatewayURL,
			BundlerURL:   cfg.Arweave.BundlerURL,
			WalletPath:   cfg.Arweave.WalletPath,
			FetchTimeout: time.Duration(cfg.Arweave.FetchTimeoutSeconds) * time.Second,
			Logger:       logger,
		})
	case "local":
		return NewLocalStore(filepath.Join(dataDir, "evidence"))
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("不支持的归档驱动: %s", cfg.Driver)
	}
}
