package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCloudScheme is returned for object-store and ftp URLs, which sfast does
// not speak.
var ErrCloudScheme = errors.New("cloud storage schemes are not supported")

var cloudSchemes = []string{"s3://", "gs://", "gcs://", "ftp://", "ftps://"}

// DetectScheme rejects arguments addressed to a cloud provider.
func DetectScheme(arg string) error {
	lower := strings.ToLower(arg)
	for _, scheme := range cloudSchemes {
		if strings.HasPrefix(lower, scheme) {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(scheme, "://"), ErrCloudScheme)
		}
	}
	return nil
}
