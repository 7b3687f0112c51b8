package runs3

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Setup creates bucket unless it exists and waits for it to become available.
// It shouldn't be used with AWS as is because it doesn't specify the region.
func Setup(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: &bucket,
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("runs3: create bucket %s: %w", bucket, err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: &bucket},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("runs3: wait for bucket %s: %w", bucket, err)
	}

	return nil
}
