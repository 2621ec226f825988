// Package archive stores episode audio clips and fusion artifacts in
// S3-compatible object storage. Archival is one-way and best-effort:
// episode.Service never waits on it. Static credentials and a
// path-style endpoint override support non-AWS S3-compatible stores.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Options configures a Store.
type Options struct {
	Bucket    string
	Region    string
	Prefix    string
	Endpoint  string // non-empty for S3-compatible stores (MinIO, etc.)
	AccessKey string
	SecretKey string
}

// Store archives episode-related artifacts (post-episode audio clips,
// fusion transcripts) under a per-episode key prefix.
type Store struct {
	client *s3.Client
	presign *s3.PresignClient
	bucket string
	prefix string
	log    zerolog.Logger
}

// New builds a Store from Options.
func New(ctx context.Context, opts Options, log zerolog.Logger) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		log:     log.With().Str("component", "archive").Logger(),
	}, nil
}

// SaveEpisodeAudio uploads one episode's post-escalation audio clip.
func (s *Store) SaveEpisodeAudio(ctx context.Context, episodeID string, data []byte) error {
	return s.put(ctx, s.key(episodeID, "audio.wav"), data, "audio/wav")
}

// SaveFusionArtifact uploads the JSON-encoded fusion reasoning (presage
// data, watch/presage scores, caregiver report) for one episode.
func (s *Store) SaveFusionArtifact(ctx context.Context, episodeID string, data []byte) error {
	return s.put(ctx, s.key(episodeID, "fusion.json"), data, "application/json")
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	return err
}

// URL returns a presigned, time-limited URL for a previously archived
// artifact, for caregiver-facing review links.
func (s *Store) URL(ctx context.Context, episodeID, artifact string) (string, error) {
	key := s.key(episodeID, artifact)
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// Open streams a previously archived artifact.
func (s *Store) Open(ctx context.Context, episodeID, artifact string) (io.ReadCloser, error) {
	key := s.key(episodeID, artifact)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *Store) key(episodeID, artifact string) string {
	if s.prefix != "" {
		return s.prefix + "/episodes/" + episodeID + "/" + artifact
	}
	return "episodes/" + episodeID + "/" + artifact
}
