// Package builds3 archives generated files in S3-compatible object storage.
package builds3

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/k11v/appbuild/internal/build"
)

const defaultPartSize = 5 * 1024 * 1024

// Archive keeps a copy of every published artifact.
// Objects are stored under tasks/{task}/rounds/{round}/{nonce}/.
type Archive struct {
	client   *s3.Client // required
	bucket   string     // required
	partSize int64
}

func NewArchive(client *s3.Client, bucket string) *Archive {
	return &Archive{client: client, bucket: bucket, partSize: defaultPartSize}
}

// Prefix returns the object key prefix of an artifact.
func Prefix(task string, round int, nonce string) string {
	return path.Join("tasks", task, "rounds", strconv.Itoa(round), nonce) + "/"
}

// ArchiveFiles uploads the files of a and returns their common key prefix.
func (a *Archive) ArchiveFiles(ctx context.Context, artifact *build.Artifact) (string, error) {
	uploader := manager.NewUploader(a.client, func(u *manager.Uploader) {
		u.PartSize = a.partSize
	})

	prefix := Prefix(artifact.Task, artifact.Round, artifact.Nonce)
	for _, f := range artifact.Files {
		key := prefix + f.Path
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &a.bucket,
			Key:    &key,
			Body:   bytes.NewReader(f.Content),
		})
		if err != nil {
			return "", fmt.Errorf("builds3: upload %s: %w", key, err)
		}
	}

	return prefix, nil
}

// Files downloads the files stored under prefix.
func (a *Archive) Files(ctx context.Context, prefix string) ([]build.File, error) {
	downloader := manager.NewDownloader(a.client, func(d *manager.Downloader) {
		d.PartSize = a.partSize
	})

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: &a.bucket,
		Prefix: &prefix,
	})

	var files []build.File
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("builds3: list %s: %w", prefix, err)
		}

		for _, object := range page.Contents {
			name, found := strings.CutPrefix(aws.ToString(object.Key), prefix)
			if !found {
				continue
			}

			buf := manager.NewWriteAtBuffer(make([]byte, 0, aws.ToInt64(object.Size)))
			_, err = downloader.Download(ctx, buf, &s3.GetObjectInput{
				Bucket: &a.bucket,
				Key:    object.Key,
			})
			if err != nil {
				return nil, fmt.Errorf("builds3: download %s: %w", aws.ToString(object.Key), err)
			}

			files = append(files, build.File{Path: name, Content: buf.Bytes()})
		}
	}

	return files, nil
}
