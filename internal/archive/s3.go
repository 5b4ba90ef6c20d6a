package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
)

// objectAPI 是 S3Store 依赖的 *s3.Client 方法子集。
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config 描述兼容 S3 的对象存储。Endpoint 非空时使用 path-style 访问，
// 便于对接 MinIO 等自建服务。
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
	Logger    *slog.Logger
}

// S3Store 将证据包写入对象存储，引用格式为 s3://bucket/key。
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store 根据配置创建 S3Store。
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "S3 bucket 不能为空")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载 AWS 配置失败")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix, cfg.Logger), nil
}

func newS3Store(client objectAPI, bucket, prefix string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Store 以内容摘要为对象名写入证据包，相同内容覆盖同一对象。
func (s *S3Store) Store(ctx context.Context, pkg evidence.Package) (string, error) {
	payload, err := evidence.Canonical(pkg)
	if err != nil {
		return "", err
	}
	key := ContentRef(payload) + ".json"
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExternalService, err, "写入 S3 证据包失败",
			xerrors.WithMetadata("key", key))
	}
	ref := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	s.logger.Info("证据包已写入对象存储", slog.String("ref", ref))
	return ref, nil
}

// Retrieve 读取 s3:// 引用指向的证据包。占位引用直接返回固定证据包。
func (s *S3Store) Retrieve(ctx context.Context, ref string) (evidence.Package, error) {
	if IsStubRef(ref) {
		return StubPackage(ref), nil
	}
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无效的 S3 引用")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeNotFound, err, "S3 证据包不存在",
			xerrors.WithMetadata("ref", ref))
	}
	if err != nil {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeExternalService, err, "读取 S3 证据包失败",
			xerrors.WithMetadata("ref", ref))
	}
	defer out.Body.Close()
	data, err := readPackage(out.Body)
	if err != nil {
		return evidence.Package{}, err
	}
	pkg, err := evidence.Decode(data)
	if err != nil {
		return evidence.Package{}, xerrors.Wrap(xerrors.CodeExternalService, err, "证据包格式错误",
			xerrors.WithMetadata("ref", ref))
	}
	return pkg, nil
}

func parseS3Ref(ref string) (string, string, error) {
	const p = "s3://"
	if !strings.HasPrefix(ref, p) {
		return "", "", fmt.Errorf("bad s3 ref (missing s3://): %q", ref)
	}
	s := strings.TrimPrefix(ref, p)
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return "", "", fmt.Errorf("bad s3 ref (need bucket/key): %q", ref)
	}
	return s[:slash], s[slash+1:], nil
}
