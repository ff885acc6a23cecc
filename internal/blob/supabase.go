package blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStorage stores objects in Supabase storage buckets. Buckets are
// provisioned out of band; the client only reads and writes objects.
type SupabaseStorage struct {
	client *supabase.Client
}

func NewSupabaseStorage(url, serviceKey string) (*SupabaseStorage, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &SupabaseStorage{client: client}, nil
}

// Put upserts, so redelivered workers rewriting the same key succeed.
func (s *SupabaseStorage) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	upsert := true
	opts := storage_go.FileOptions{Upsert: &upsert}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	if _, err := s.client.Storage.UploadFile(bucket, key, bytes.NewReader(data), opts); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SupabaseStorage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := s.client.Storage.DownloadFile(bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *SupabaseStorage) SignedURL(ctx context.Context, bucket, key string, expiresIn time.Duration) (string, error) {
	resp, err := s.client.Storage.CreateSignedUrl(bucket, key, int(expiresIn.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign %s/%s: %w", bucket, key, err)
	}
	return resp.SignedURL, nil
}
