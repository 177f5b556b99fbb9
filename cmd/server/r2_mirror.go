package main

import (
	"log"
	"path/filepath"

	"blocklog.ai/internal/config"
	"blocklog.ai/internal/persistence/r2s3"
)

type r2MirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

// buildR2MirrorRuntime mirrors finished journal segments and purge archives. Object keys keep
// the path relative to the data dir.
func buildR2MirrorRuntime(cfg config.Config, logger *log.Logger) (*r2MirrorRuntime, error) {
	mc := cfg.Mirror
	if !mc.Enabled {
		return &r2MirrorRuntime{enabled: false}, nil
	}
	client, err := r2s3.New(r2s3.Config{
		Endpoint:        mc.Endpoint,
		Bucket:          mc.Bucket,
		Region:          mc.Region,
		AccessKeyID:     mc.AccessKeyID,
		SecretAccessKey: mc.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	mirror := r2s3.NewMirror(client, r2s3.MirrorOptions{
		DataDir: filepath.Clean(cfg.DataDir),
		Prefix:  mc.Prefix,
		Workers: mc.Workers,
		Logger:  logger,
	})
	return &r2MirrorRuntime{enabled: true, mirror: mirror}, nil
}

func (r *r2MirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *r2MirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *r2MirrorRuntime) Stats() (r2s3.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return r2s3.Stats{}, false
	}
	return r.mirror.Stats(), true
}
