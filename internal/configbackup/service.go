// Package configbackup snapshots the tool configuration to a local directory or S3.
package configbackup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"backup-orchestrator/internal/config"
)

const keyPrefix = "config-backups/"

// Snapshot describes one stored copy of the configuration.
type Snapshot struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Source yields the current configuration bytes; *executor.Executor satisfies it.
type Source interface {
	ReadConfig() ([]byte, error)
}

type target interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
	List(ctx context.Context) ([]Snapshot, error)
}

type Service struct {
	src    Source
	target target
	log    *zap.SugaredLogger
	now    func() time.Time
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config, src Source, log *zap.SugaredLogger) (*Service, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var t target
	if cfg.ConfigBackupS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		t = &s3Target{client: client, bucket: cfg.ConfigBackupS3Bucket}
	} else {
		dir := cfg.ConfigBackupDir
		if dir == "" {
			dir = "./config-backups"
		}
		t = &localTarget{baseDir: dir}
	}
	return &Service{src: src, target: t, log: log, now: time.Now}, nil
}

// NewLocal stores snapshots under dir.
func NewLocal(dir string, src Source, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{src: src, target: &localTarget{baseDir: dir}, log: log, now: time.Now}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ConfigBackupS3Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ConfigBackupS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ConfigBackupS3Endpoint)
		}
		o.UsePathStyle = cfg.ConfigBackupS3PathStyle
	}), nil
}

// Snapshot stores the current configuration under a timestamped key.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	body, err := s.src.ReadConfig()
	if err != nil {
		return Snapshot{}, err
	}
	now := s.now().UTC()
	id := uuid.NewString()[:8]
	key := fmt.Sprintf("%s%s-%s.yaml", keyPrefix, now.Format("20060102T150405Z"), id)
	loc, err := s.target.Put(ctx, key, body)
	if err != nil {
		return Snapshot{}, err
	}
	s.log.Infow("Configuration snapshot stored", "location", loc, "bytes", len(body))
	return Snapshot{ID: id, Key: key, Location: loc, Size: int64(len(body)), CreatedAt: now}, nil
}

// List returns stored snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	snaps, err := s.target.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key > snaps[j].Key })
	return snaps, nil
}

type localTarget struct {
	baseDir string
}

func (l *localTarget) Put(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", errors.Wrap(err, "write file")
	}
	return path, nil
}

func (l *localTarget) List(_ context.Context) ([]Snapshot, error) {
	dir := filepath.Join(l.baseDir, filepath.FromSlash(keyPrefix))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot dir")
	}
	out := []Snapshot{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{
			ID:        snapshotID(e.Name()),
			Key:       keyPrefix + e.Name(),
			Location:  filepath.Join(dir, e.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	return out, nil
}

type s3Target struct {
	client *s3.Client
	bucket string
}

func (s *s3Target) Put(ctx context.Context, key string, body []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *s3Target) List(ctx context.Context) ([]Snapshot, error) {
	out := []Snapshot{}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			snap := Snapshot{
				ID:       snapshotID(strings.TrimPrefix(key, keyPrefix)),
				Key:      key,
				Location: fmt.Sprintf("s3://%s/%s", s.bucket, key),
				Size:     aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				snap.CreatedAt = obj.LastModified.UTC()
			}
			out = append(out, snap)
		}
	}
	return out, nil
}

// snapshotID recovers the short id from "<timestamp>-<id>.yaml".
func snapshotID(name string) string {
	name = strings.TrimSuffix(name, ".yaml")
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}
