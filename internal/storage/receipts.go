// Package storage gère les justificatifs d'achat (reçus) dans MinIO.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

var (
	ErrTooLarge        = errors.New("ファイルサイズが大きすぎます")
	ErrUnsupportedType = errors.New("対応していないファイル形式です")
)

// Types acceptés pour un reçu
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Upload décrit un fichier à déposer
type Upload struct {
	UserID      string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ValidateUpload vérifie la taille et le type MIME, puis retourne l'extension
func ValidateUpload(u Upload, maxBytes int64) (string, error) {
	if u.Size <= 0 || (maxBytes > 0 && u.Size > maxBytes) {
		return "", ErrTooLarge
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(u.ContentType, ";")[0]))
	ext, ok := allowedTypes[ct]
	if !ok {
		return "", ErrUnsupportedType
	}
	return ext, nil
}

// ObjectKey construit une clé unique rangée par utilisateur et par jour
func ObjectKey(userID, ext string, now time.Time) string {
	return path.Join("receipts", userID, now.Format("2006/01/02"), uuid.NewString()+ext)
}

type MinioStore struct {
	client   *minio.Client
	bucket   string
	maxBytes int64
}

func NewMinioStore(client *minio.Client, bucket string, maxBytes int64) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, maxBytes: maxBytes}
}

// EnsureBucket crée le bucket s'il n'existe pas encore
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

func (s *MinioStore) Put(ctx context.Context, u Upload) (string, error) {
	ext, err := ValidateUpload(u, s.maxBytes)
	if err != nil {
		return "", err
	}
	key := ObjectKey(u.UserID, ext, time.Now())
	_, err = s.client.PutObject(ctx, s.bucket, key, u.Body, u.Size, minio.PutObjectOptions{
		ContentType: u.ContentType,
		UserMetadata: map[string]string{
			"original-name": u.Filename,
			"user-id":       u.UserID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("dépôt MinIO: %w", err)
	}
	return key, nil
}

// PresignedURL génère une URL signée temporaire pour lire le reçu
func (s *MinioStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, make(url.Values))
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
