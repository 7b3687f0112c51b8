package runs3

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	transport "github.com/aws/smithy-go/endpoints"
)

const defaultRegion = "us-east-1"

// NewClient creates a new Client using the provided connection string.
// The connection string must be a valid URL in the format:
// http://key:secret@s3:9000?region=us-east-1.
// For MinIO, the key and secret are the username and password respectively.
// The region query parameter is optional.
func NewClient(connectionString string) (*s3.Client, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("runs3: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("runs3: connection string has no scheme or host")
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	region := u.Query().Get("region")
	if region == "" {
		region = defaultRegion
	}
	u.RawQuery = ""

	client := s3.New(
		s3.Options{
			Region:             region,
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		},
	)
	return client, nil
}

// endpointResolver implements s3.EndpointResolverV2.
// It resolves path-style endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	if params.Bucket != nil {
		u.Path += "/" + *params.Bucket
	}
	return transport.Endpoint{URI: u}, nil
}
