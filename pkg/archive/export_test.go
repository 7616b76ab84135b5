package archive

import "github.com/cenkalti/backoff/v4"

func NewWriteBackoffForTest() *backoff.ExponentialBackOff {
	return newWriteBackoff()
}
