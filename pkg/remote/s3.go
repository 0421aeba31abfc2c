package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/paulschiretz/pgl-runsync/pkg/plog"
)

// Swappable constructors so tests can run without AWS.
var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// objectUploader is satisfied by *manager.Uploader.
type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store is a Store on AWS S3 or an S3 compatible service such as MinIO.
// The project names the bucket, folders are key prefixes, properties are
// object tags and sentinels are JSON objects. Object ids are keys.
type S3Store struct {
	client   s3API
	uploader objectUploader
}

// NewS3Store builds a client from the default AWS configuration chain,
// overridden by opts.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return newS3Store(client, manager.NewUploader(client)), nil
}

func newS3Store(client s3API, uploader objectUploader) *S3Store {
	return &S3Store{client: client, uploader: uploader}
}

func objectKey(folder, name string) string {
	return strings.TrimPrefix(path.Join("/", folder, name), "/")
}

func folderPrefix(folder string) string {
	p := strings.TrimPrefix(path.Clean("/"+folder), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func encodeTags(props map[string]string) *string {
	if len(props) == 0 {
		return nil
	}
	v := url.Values{}
	for k, val := range props {
		v.Set(k, val)
	}
	return aws.String(v.Encode())
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func (s *S3Store) Upload(ctx context.Context, localPath string, dest Destination, name string, props map[string]string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	key := objectKey(dest.Folder, name)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:  aws.String(dest.Project),
		Key:     aws.String(key),
		Body:    f,
		Tagging: encodeTags(props),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, dest.Project, key, err)
	}
	plog.Debug("Stored object", "bucket", dest.Project, "key", key)
	return key, nil
}

func (s *S3Store) FindObject(ctx context.Context, dest Destination, name string) (string, bool, error) {
	key := objectKey(dest.Folder, name)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(dest.Project),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up s3://%s/%s: %w", dest.Project, key, err)
	}
	return key, true, nil
}

// list returns the direct children of folder: object keys and sub-prefixes.
func (s *S3Store) list(ctx context.Context, bucket, folder string) ([]string, []string, error) {
	prefix := folderPrefix(folder)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var objects, prefixes []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
		for _, cp := range page.CommonPrefixes {
			prefixes = append(prefixes, strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/"))
		}
	}
	return objects, prefixes, nil
}

func (s *S3Store) ListFolders(ctx context.Context, project, root string) ([]string, error) {
	objects, prefixes, err := s.list(ctx, project, root)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 && len(prefixes) == 0 {
		return nil, fmt.Errorf("folder %s:%s: %w", project, root, ErrNotFound)
	}
	sort.Strings(prefixes)
	return prefixes, nil
}

func (s *S3Store) FindSentinel(ctx context.Context, dest Destination, nameGlob string) (*Sentinel, error) {
	objects, _, err := s.list(ctx, dest.Project, dest.Folder)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, name := range objects {
		ok, err := matchSentinel(nameGlob, name)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, name)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("sentinel %s in %s: %w", nameGlob, dest, ErrNotFound)
	case 1:
	default:
		return nil, fmt.Errorf("sentinel %s in %s matched %v: %w", nameGlob, dest, matches, ErrAmbiguous)
	}
	return s.readSentinel(ctx, dest.Project, objectKey(dest.Folder, matches[0]))
}

func (s *S3Store) readSentinel(ctx context.Context, bucket, key string) (*Sentinel, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("sentinel s3://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read sentinel s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	var sentinel Sentinel
	if err := json.NewDecoder(out.Body).Decode(&sentinel); err != nil {
		return nil, fmt.Errorf("failed to parse sentinel s3://%s/%s: %w", bucket, key, err)
	}
	return &sentinel, nil
}

func (s *S3Store) writeSentinel(ctx context.Context, sentinel *Sentinel) error {
	body, err := json.Marshal(sentinel)
	if err != nil {
		return fmt.Errorf("failed to encode sentinel: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(sentinel.Project),
		Key:         aws.String(sentinel.ID),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Tagging:     encodeTags(sentinel.Properties),
	})
	if err != nil {
		return fmt.Errorf("failed to write sentinel s3://%s/%s: %w", sentinel.Project, sentinel.ID, err)
	}
	return nil
}

func (s *S3Store) CreateSentinel(ctx context.Context, dest Destination, name string, props map[string]string) (*Sentinel, error) {
	if err := validateSentinelName(name); err != nil {
		return nil, err
	}
	key := objectKey(dest.Folder, name)
	if _, found, err := s.FindObject(ctx, dest, name); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("sentinel %s already exists in %s", name, dest)
	}

	sentinel := &Sentinel{
		ID:         key,
		Project:    dest.Project,
		Folder:     dest.Folder,
		Name:       name,
		State:      SentinelOpen,
		Properties: mergeProps(nil, props),
	}
	if err := s.writeSentinel(ctx, sentinel); err != nil {
		return nil, err
	}
	return sentinel, nil
}

func (s *S3Store) CloseSentinel(ctx context.Context, sentinel *Sentinel, details map[string]any) error {
	stored, err := s.readSentinel(ctx, sentinel.Project, sentinel.ID)
	if err != nil {
		return err
	}
	stored.State = SentinelClosed
	stored.Details = details
	if err := s.writeSentinel(ctx, stored); err != nil {
		return err
	}
	*sentinel = *stored
	return nil
}

func (s *S3Store) SetProperties(ctx context.Context, project, id string, props map[string]string) error {
	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(project),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("object s3://%s/%s: %w", project, id, ErrNotFound)
		}
		return fmt.Errorf("failed to read tags of s3://%s/%s: %w", project, id, err)
	}

	merged := make(map[string]string, len(out.TagSet)+len(props))
	for _, tag := range out.TagSet {
		merged[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	merged = mergeProps(merged, props)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tagSet := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}

	_, err = s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(project),
		Key:     aws.String(id),
		Tagging: &types.Tagging{TagSet: tagSet},
	})
	if err != nil {
		return fmt.Errorf("failed to tag s3://%s/%s: %w", project, id, err)
	}
	return nil
}

var _ Store = (*S3Store)(nil)
