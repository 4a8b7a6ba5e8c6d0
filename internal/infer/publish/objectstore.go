package publish

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ObjectStore stores snapshot blobs under hierarchical keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte, meta map[string]string) error
	PresignURL(key string, expiry time.Duration) (string, error)
}

// ErrStoreStatus is returned when the object store answers with a
// non-success HTTP status.
const ErrStoreStatus = publishError("object store returned error status")

// StoreClient is the part of http.Client the object store client uses.
type StoreClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPObjectStore talks to an S3-style HTTP object store. Object metadata
// travels in X-Meta-* headers; presigned URLs are HMAC-signed.
type HTTPObjectStore struct {
	client  StoreClient
	baseURL string
	bucket  string
	secret  []byte
	now     func() time.Time
}

// NewHTTPObjectStore builds a store client for one bucket. The secret
// signs presigned URLs and may be empty when presigning is unused.
func NewHTTPObjectStore(client StoreClient, baseURL, bucket, secret string) *HTTPObjectStore {
	return &HTTPObjectStore{
		client:  client,
		baseURL: baseURL,
		bucket:  bucket,
		secret:  []byte(secret),
		now:     time.Now,
	}
}

func (o *HTTPObjectStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", o.baseURL, o.bucket, key)
}

// Put implements ObjectStore.
func (o *HTTPObjectStore) Put(ctx context.Context, key, contentType string, data []byte, meta map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, o.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range meta {
		req.Header.Set("X-Meta-"+k, v)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: %s (%s)", ErrStoreStatus, resp.Status, key)
	}
	return nil
}

// PresignURL implements ObjectStore. The signature covers the key and the
// expiry instant so a leaked URL stops working when it expires.
func (o *HTTPObjectStore) PresignURL(key string, expiry time.Duration) (string, error) {
	if len(o.secret) == 0 {
		return "", publishError("object store has no signing secret")
	}
	expires := o.now().Add(expiry).Unix()
	mac := hmac.New(sha256.New, o.secret)
	fmt.Fprintf(mac, "%s/%s:%d", o.bucket, key, expires)
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s?expires=%d&signature=%s", o.objectURL(key), expires, signature), nil
}
