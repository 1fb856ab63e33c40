package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Capability names reported by Preflight.
const (
	CapPut    = "target.put"
	CapDelete = "target.delete"
)

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Deleter removes one object.
type Deleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// Preflight writes and deletes a small marker object under the archive
// prefix, so missing permissions surface before hours of uploads.
// The Putter must also implement Deleter.
func (a *Archiver) Preflight(ctx context.Context) ([]CheckResult, error) {
	key := a.Key(fmt.Sprintf(".autorun-preflight-%s", uuid.New().String()))
	body := []byte("autorun preflight\n")

	var results []CheckResult
	_, err := a.Putter.PutObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	put := CheckResult{Capability: CapPut, Allowed: err == nil, Method: fmt.Sprintf("PutObject(key=%q)", key)}
	if err != nil {
		put.ErrorCode, put.Detail = ErrorCode(err), err.Error()
		return append(results, put), err
	}
	results = append(results, put)

	d, ok := a.Putter.(Deleter)
	if !ok {
		return results, nil
	}
	err = d.DeleteObject(ctx, key)
	del := CheckResult{Capability: CapDelete, Allowed: err == nil, Method: fmt.Sprintf("DeleteObject(key=%q)", key)}
	if err != nil {
		del.ErrorCode, del.Detail = ErrorCode(err), err.Error()
		return append(results, del), err
	}
	return append(results, del), nil
}

// ErrorCode maps a classified failure onto a stable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrInvalidCredentials):
		return "ACCESS_DENIED"
	case errors.Is(err, ErrBucketNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrThrottled):
		return "THROTTLED"
	default:
		return "INTERNAL"
	}
}

// DeleteObject removes key.
func (p *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("delete", p.bucket, key, err)
	}
	return nil
}
