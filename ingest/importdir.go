package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ImportTarget is the folder the archive watches for new files.
type ImportTarget interface {
	Import(ctx context.Context, src, name string) error
	String() string
}

// LocalFolder copies into a directory on a filesystem the archive watches.
type LocalFolder struct {
	Dir string
}

// Import copies src to Dir/name. The copy is staged under a unique name and
// renamed so the archive never picks up a partial file.
func (l LocalFolder) Import(_ context.Context, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	staging := filepath.Join(l.Dir, "."+uuid.NewString()+".part")
	out, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("create %s: %w", staging, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staging)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("close %s: %w", staging, err)
	}
	dst := filepath.Join(l.Dir, name)
	if err := os.Rename(staging, dst); err != nil {
		os.Remove(staging)
		return fmt.Errorf("rename to %s: %w", dst, err)
	}
	return nil
}

func (l LocalFolder) String() string { return l.Dir }

// GCSFolder uploads into a Cloud Storage prefix. AfterUpload, when set, is
// called with the gs:// URI of every object written; it is used to ask a
// Healthcare DICOM store to import it.
type GCSFolder struct {
	Bucket      string
	Prefix      string
	AfterUpload func(ctx context.Context, uri string) error

	newWriter func(ctx context.Context, bucket, object string) io.WriteCloser
}

// NewGCSFolder builds a target writing through client.
func NewGCSFolder(client *storage.Client, bucket, prefix string) *GCSFolder {
	return &GCSFolder{
		Bucket: bucket,
		Prefix: prefix,
		newWriter: func(ctx context.Context, bucket, object string) io.WriteCloser {
			w := client.Bucket(bucket).Object(object).NewWriter(ctx)
			w.ContentType = "application/dicom"
			return w
		},
	}
}

func (g *GCSFolder) Import(ctx context.Context, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	object := path.Join(g.Prefix, name)
	w := g.newWriter(ctx, g.Bucket, object)
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", g.Bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", g.Bucket, object, err)
	}
	if g.AfterUpload != nil {
		if err := g.AfterUpload(ctx, "gs://"+g.Bucket+"/"+object); err != nil {
			return fmt.Errorf("after upload gs://%s/%s: %w", g.Bucket, object, err)
		}
	}
	return nil
}

func (g *GCSFolder) String() string { return "gs://" + path.Join(g.Bucket, g.Prefix) }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Folder uploads into an S3 (or MinIO) bucket prefix.
type S3Folder struct {
	Bucket string
	Prefix string
	client objectPutter
}

// S3Settings configures the S3 client.
type S3Settings struct {
	Region       string
	Endpoint     string // empty for AWS
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Folder builds an S3 target.
func NewS3Folder(ctx context.Context, s S3Settings, bucket, prefix string) (*S3Folder, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(s.Region)}
	if s.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.UsePathStyle
	})
	return &S3Folder{Bucket: bucket, Prefix: prefix, client: client}, nil
}

func (t *S3Folder) Import(ctx context.Context, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	key := path.Join(t.Prefix, name)
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.Bucket),
		Key:         aws.String(key),
		Body:        in,
		ContentType: aws.String("application/dicom"),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", t.Bucket, key, err)
	}
	return nil
}

func (t *S3Folder) String() string { return "s3://" + path.Join(t.Bucket, t.Prefix) }

// SplitBucketURI splits "gs://bucket/some/prefix" into scheme, bucket and
// prefix. A value without a scheme is a local directory.
func SplitBucketURI(uri string) (scheme, bucket, prefix string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", uri, nil
	}
	scheme = uri[:i]
	rest := uri[i+3:]
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", "", errors.New("import uri without bucket: " + uri)
	}
	return scheme, bucket, strings.Trim(prefix, "/"), nil
}
