package cli

import (
	"context"

	"gocloud.dev/blob"

	"github.com/keboola/go-fetch/pkg/archive"
)

// openArchive opens the bucket set by one of the archive flags.
func (r *run) openArchive(ctx context.Context) (*blob.Bucket, []archive.Option, error) {
	opts := []archive.Option{archive.WithPrefix(r.archivePrefix)}
	var bucket *blob.Bucket
	var err error
	switch {
	case r.archive != "":
		bucket, err = archive.Open(ctx, r.archive)
	case r.archiveS3.Bucket != "":
		bucket, err = archive.OpenS3(ctx, r.archiveS3, r.transport)
		opts = append(opts, archive.WithWriterOptions(archive.S3WriterOptions()))
	case r.archiveGCS.Bucket != "":
		params := r.archiveGCS
		params.TokenType = "Bearer"
		bucket, err = archive.OpenGCS(ctx, params, r.transport)
	case r.archiveABS.ContainerSASURL != "":
		bucket, err = archive.OpenABS(ctx, r.archiveABS, r.transport)
	}
	return bucket, opts, err
}
