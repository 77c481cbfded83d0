package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsPermanent(t *testing.T) {
	a := assert.New(t)

	permanent := []minio.ErrorResponse{
		{Code: "AccessDenied"},
		{Code: "InvalidAccessKeyId"},
		{Code: "SignatureDoesNotMatch"},
		{Code: "NoSuchBucket"},
	}
	for _, er := range permanent {
		a.True(IsPermanent(er), "code %s", er.Code)
		a.True(IsPermanent(errors.Wrap(er, "objstore: storing object")), "wrapped code %s", er.Code)
	}

	a.False(IsPermanent(minio.ErrorResponse{Code: "SlowDown"}))
	a.False(IsPermanent(minio.ErrorResponse{Code: "InternalError"}))
	a.False(IsPermanent(errors.New("connection refused")))
	a.False(IsPermanent(nil))
}

func TestPutBackoffSchedule(t *testing.T) {
	a := assert.New(t)

	b := putBackoff(context.Background())
	b.Reset()

	a.Equal(time.Second, b.NextBackOff())
	a.Equal(2*time.Second, b.NextBackOff())
	a.Equal(backoff.Stop, b.NextBackOff())
}

func TestPutBackoffStopsOnCancelledContext(t *testing.T) {
	a := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := putBackoff(ctx)
	b.Reset()
	a.Equal(backoff.Stop, b.NextBackOff())
}
