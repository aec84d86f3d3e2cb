// Package archive copies sync outcomes to object storage or a directory.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"

	awsutil "github.com/sotplane/datasync/internal/aws"
	"github.com/sotplane/datasync/internal/config"
)

const contentType = "application/json"

// Sink stores one document under a key.
type Sink interface {
	Store(ctx context.Context, key string, data []byte) error
}

// New returns the sink configured by c.
func New(ctx context.Context, c *config.Archive) (Sink, error) {
	switch {
	case c.AmazonS3 != nil:
		return newAmazonS3(ctx, c.AmazonS3)
	case c.GCPCloudStorage != nil:
		return newGCPCloudStorage(ctx, c.GCPCloudStorage)
	case c.AzureBlobStorage != nil:
		return newAzureBlobStorage(ctx, c.AzureBlobStorage)
	case c.FileSystemStorage != nil:
		return &FileSystem{dir: c.FileSystemStorage.Path}, nil
	}
	return nil, errors.New("no archive storage configured")
}

type AmazonS3 struct {
	uploader *manager.Uploader
	client   *s3.Client
	bucket   string
	prefix   string
}

func newAmazonS3(ctx context.Context, c *config.AmazonS3) (*AmazonS3, error) {
	cfg, err := awsutil.Config(ctx, c.Region, c.Credentials)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.URL != "" {
			o.BaseEndpoint = aws.String(c.URL)
			o.UsePathStyle = true
		}
	})

	return &AmazonS3{uploader: manager.NewUploader(client), client: client, bucket: c.Bucket, prefix: c.Prefix}, nil
}

func (s *AmazonS3) Store(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path.Join(s.prefix, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

type GCPCloudStorage struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCPCloudStorage(ctx context.Context, c *config.GCPCloudStorage) (*GCPCloudStorage, error) {
	var opts []option.ClientOption

	if c.Credentials != nil {
		value, err := c.Credentials.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		creds, ok := value.(config.SecretGCP)
		if !ok {
			return nil, fmt.Errorf("unsupported secret type %T for GCP credentials", value)
		}
		switch {
		case creds.Credentials != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(creds.Credentials)))
		case creds.APIKey != "":
			opts = append(opts, option.WithAPIKey(creds.APIKey))
		}
	}

	if c.Project != "" {
		opts = append(opts, option.WithQuotaProject(c.Project))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &GCPCloudStorage{client: client, bucket: c.Bucket, prefix: c.Prefix}, nil
}

func (s *GCPCloudStorage) Store(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(path.Join(s.prefix, key)).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload: %w", err)
	}
	return nil
}

type AzureBlobStorage struct {
	client    *azblob.Client
	container string
	prefix    string
}

func newAzureBlobStorage(ctx context.Context, c *config.AzureBlobStorage) (*AzureBlobStorage, error) {
	var client *azblob.Client

	if c.Credentials != nil {
		value, err := c.Credentials.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		creds, ok := value.(config.SecretAzure)
		if !ok {
			return nil, fmt.Errorf("unsupported secret type %T for Azure credentials", value)
		}
		cred, err := azblob.NewSharedKeyCredential(creds.AccountName, creds.AccountKey)
		if err != nil {
			return nil, err
		}
		if client, err = azblob.NewClientWithSharedKeyCredential(c.AccountURL, cred, nil); err != nil {
			return nil, err
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		if client, err = azblob.NewClient(c.AccountURL, cred, nil); err != nil {
			return nil, err
		}
	}

	return &AzureBlobStorage{client: client, container: c.Container, prefix: c.Prefix}, nil
}

func (s *AzureBlobStorage) Store(ctx context.Context, key string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, s.container, path.Join(s.prefix, key), data, nil)
	if err != nil {
		return fmt.Errorf("azure upload: %w", err)
	}
	return nil
}

// FileSystem writes documents below a directory.
type FileSystem struct {
	dir string
}

func (s *FileSystem) Store(_ context.Context, key string, data []byte) error {
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
