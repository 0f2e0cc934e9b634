package processors

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/pipeline"
)

// S3API is the subset of the S3 client used for syncing
type S3API interface {
	manager.UploadAPIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures an object storage client. Endpoint and PathStyle allow
// S3-compatible stores (R2, MinIO).
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3ClientFactory builds an S3 client
type S3ClientFactory func(ctx context.Context, opts S3Options) (S3API, error)

// NewS3Client is the S3ClientFactory used outside tests
func NewS3Client(ctx context.Context, opts S3Options) (S3API, error) {
	client, err := LoadS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// LoadS3Client builds a client from the default AWS credential chain, overridden by any
// static credentials and endpoint in opts
func LoadS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// s3SyncProcessor mirrors the change set from the local repository into a bucket
type s3SyncProcessor struct {
	base
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	repoPath string
	log      zerolog.Logger
}

func s3SyncFactory(newClient S3ClientFactory) pipeline.Factory {
	return func(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
		bucket := cfg.String("bucket", "")
		if bucket == "" {
			return nil, fmt.Errorf("%s: bucket is required", S3Sync)
		}

		client, err := newClient(context.Background(), S3Options{
			Region:    cfg.String("region", ""),
			Endpoint:  cfg.String("endpoint", ""),
			AccessKey: cfg.String("accessKey", ""),
			SecretKey: cfg.String("secretKey", ""),
			PathStyle: cfg.Bool("pathStyle", false),
		})
		if err != nil {
			return nil, err
		}

		return &s3SyncProcessor{
			base:     base{modes: publishOnly},
			client:   client,
			uploader: manager.NewUploader(client),
			bucket:   bucket,
			prefix:   strings.Trim(cfg.String("prefix", ""), "/"),
			repoPath: bc.LocalRepoPath,
			log:      bc.Log.With().Str("processor", S3Sync).Str("bucket", bucket).Logger(),
		}, nil
	}
}

func (p *s3SyncProcessor) key(repoPath string) string {
	return path.Join(p.prefix, strings.TrimPrefix(repoPath, "/"))
}

func (p *s3SyncProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	uploaded, deleted := 0, 0
	defer func() {
		in.Execution.SetStatusDetail(map[string]int{"uploaded": uploaded, "deleted": deleted})
	}()

	for _, file := range changedFiles(in.ChangeSet) {
		if err := p.upload(ctx, file); err != nil {
			return nil, err
		}
		uploaded++
	}

	for _, file := range in.ChangeSet.DeletedFiles() {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(file)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to delete s3://%s/%s: %w", p.bucket, p.key(file), err)
		}
		deleted++
	}

	p.log.Info().Int("uploaded", uploaded).Int("deleted", deleted).Msg("Bucket synced")
	return nil, nil
}

func (p *s3SyncProcessor) upload(ctx context.Context, file string) error {
	f, err := os.Open(filepath.Join(p.repoPath, filepath.FromSlash(strings.TrimPrefix(file, "/"))))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(file)),
		Body:   f,
	}
	if ct := mime.TypeByExtension(path.Ext(file)); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := p.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", file, p.bucket, p.key(file), err)
	}
	return nil
}
