package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"media-pipeline/internal/metrics"
	"media-pipeline/internal/profiles"
	"media-pipeline/internal/scratch"
)

// ErrNoUsableVariant is returned when every variant encode failed
var ErrNoUsableVariant = errors.New("no quality variant could be produced")

// JobState is the lifecycle stage of a TranscodeJob
type JobState string

const (
	JobPending    JobState = "pending"
	JobEncoding   JobState = "encoding"
	JobAssembling JobState = "assembling"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
)

// FileUploader transfers one local file to remote storage
type FileUploader interface {
	Upload(ctx context.Context, localPath, remotePath string, ensureDir bool) error
}

// VariantRequest describes one HLS rendition to produce
type VariantRequest struct {
	Source         string
	IndexPath      string
	SegmentPattern string
	Variant        profiles.QualityVariant
	Params         profiles.EncodeParams
	Threads        int
	SegmentSeconds int
}

// VariantEncoder produces one HLS rendition
type VariantEncoder interface {
	EncodeVariant(ctx context.Context, req VariantRequest) error
}

// FFmpegHLSEncoder encodes H.264/AAC HLS VOD renditions
type FFmpegHLSEncoder struct {
	ffmpeg *FFmpeg
}

// NewFFmpegHLSEncoder creates an encoder backed by ffmpeg
func NewFFmpegHLSEncoder(ffmpeg *FFmpeg) *FFmpegHLSEncoder {
	return &FFmpegHLSEncoder{ffmpeg: ffmpeg}
}

func (e *FFmpegHLSEncoder) EncodeVariant(ctx context.Context, req VariantRequest) error {
	v := req.Variant
	return e.ffmpeg.Run(ctx,
		"-i", req.Source,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=ceil(iw/2)*2:ceil(ih/2)*2", v.Width, v.Height),
		"-c:v", "libx264",
		"-preset", req.Params.Preset,
		"-crf", strconv.Itoa(req.Params.CRF),
		"-maxrate", fmt.Sprintf("%dk", v.Bitrate),
		"-bufsize", fmt.Sprintf("%dk", v.Bitrate*2),
		"-g", "48",
		"-sc_threshold", "0",
		"-threads", strconv.Itoa(req.Threads),
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(req.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", req.SegmentPattern,
		req.IndexPath,
	)
}

type variantOutput struct {
	variant  profiles.QualityVariant
	index    string
	segments []string
}

// TranscodeJob owns the scratch directory of one video
type TranscodeJob struct {
	BaseName string
	Dir      *scratch.Dir

	mu         sync.Mutex
	state      JobState
	outputs    []variantOutput
	masterPath string
}

// NewTranscodeJob creates a pending job writing into dir
func NewTranscodeJob(baseName string, dir *scratch.Dir) *TranscodeJob {
	return &TranscodeJob{BaseName: baseName, Dir: dir, state: JobPending}
}

// State returns the current stage
func (j *TranscodeJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *TranscodeJob) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Variants returns the renditions listed in the master index
func (j *TranscodeJob) Variants() []profiles.QualityVariant {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]profiles.QualityVariant, len(j.outputs))
	for i, o := range j.outputs {
		out[i] = o.variant
	}
	return out
}

// MasterName is the file name of the master index
func (j *TranscodeJob) MasterName() string {
	return j.BaseName + ".m3u8"
}

// IndexName is the file name of a variant index
func (j *TranscodeJob) IndexName(v profiles.QualityVariant) string {
	return fmt.Sprintf("%s_%s.m3u8", j.BaseName, v.Name)
}

func (j *TranscodeJob) segmentPattern(v profiles.QualityVariant) string {
	return j.Dir.Join(fmt.Sprintf("%s_%s_%%03d.ts", j.BaseName, v.Name))
}

// PackagerOptions tunes the video packager
type PackagerOptions struct {
	Variants       []profiles.QualityVariant
	SegmentSeconds int
	UploadBatch    int
	CPUs           int
}

// VideoPackager turns a source video into an HLS ladder and publishes it
type VideoPackager struct {
	statsRecorder
	encoder  VariantEncoder
	uploader FileUploader
	opts     PackagerOptions
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewVideoPackager creates a packager
func NewVideoPackager(encoder VariantEncoder, uploader FileUploader, opts PackagerOptions, logger *zap.Logger, m *metrics.Metrics) *VideoPackager {
	if len(opts.Variants) == 0 {
		opts.Variants = profiles.DefaultVariants
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 6
	}
	if opts.UploadBatch <= 0 {
		opts.UploadBatch = 3
	}
	if opts.CPUs <= 0 {
		opts.CPUs = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoPackager{encoder: encoder, uploader: uploader, opts: opts, logger: logger, metrics: m}
}

// Package encodes every variant of sourcePath and writes the master index.
// The source is removed once encoding is over, whatever the outcome.
func (p *VideoPackager) Package(ctx context.Context, job *TranscodeJob, sourcePath string) (string, error) {
	start := time.Now()
	job.setState(JobEncoding)

	var size int64
	if info, err := os.Stat(sourcePath); err == nil {
		size = info.Size()
	}
	params := profiles.SelectEncodeParams(size)
	parallel, threads := profiles.EncodeParallelism(p.opts.CPUs, len(p.opts.Variants))

	p.logger.Info("🎬 encoding video",
		zap.String("job", job.BaseName),
		zap.Int("variants", len(p.opts.Variants)),
		zap.Int("parallel", parallel),
		zap.Int("threads", threads),
		zap.String("preset", params.Preset),
		zap.Int("crf", params.CRF))

	encoded := make([]bool, len(p.opts.Variants))
	g := new(errgroup.Group)
	g.SetLimit(parallel)
	for i, v := range p.opts.Variants {
		i, v := i, v
		g.Go(func() error {
			err := p.encoder.EncodeVariant(ctx, VariantRequest{
				Source:         sourcePath,
				IndexPath:      job.Dir.Join(job.IndexName(v)),
				SegmentPattern: job.segmentPattern(v),
				Variant:        v,
				Params:         params,
				Threads:        threads,
				SegmentSeconds: p.opts.SegmentSeconds,
			})
			p.metrics.VariantEncoded(v.Name, err == nil)
			if err != nil {
				p.logger.Warn("variant encode failed", zap.String("job", job.BaseName), zap.String("variant", v.Name), zap.Error(err))
				return nil
			}
			encoded[i] = true
			return nil
		})
	}
	_ = g.Wait()
	scratch.RemoveFile(p.logger, sourcePath)
	p.metrics.ObserveStage("encode", time.Since(start))

	if err := ctx.Err(); err != nil {
		job.setState(JobFailed)
		p.recordFailure()
		return "", err
	}

	job.setState(JobAssembling)
	var outputs []variantOutput
	for i, v := range p.opts.Variants {
		if !encoded[i] {
			continue
		}
		out, err := readVariant(job, v)
		if err != nil {
			p.logger.Warn("variant index unusable", zap.String("job", job.BaseName), zap.String("variant", v.Name), zap.Error(err))
			continue
		}
		outputs = append(outputs, out)
	}
	if len(outputs) == 0 {
		job.setState(JobFailed)
		p.recordFailure()
		return "", ErrNoUsableVariant
	}

	master := m3u8.NewMasterPlaylist()
	for _, o := range outputs {
		master.Append(filepath.Base(o.index), nil, m3u8.VariantParams{
			Bandwidth:  o.variant.Bandwidth(),
			Resolution: o.variant.Resolution(),
			Name:       o.variant.Name,
		})
	}
	masterPath := job.Dir.Join(job.MasterName())
	if err := os.WriteFile(masterPath, master.Encode().Bytes(), 0o644); err != nil {
		job.setState(JobFailed)
		p.recordFailure()
		return "", fmt.Errorf("write master index: %w", err)
	}

	job.mu.Lock()
	job.outputs = outputs
	job.masterPath = masterPath
	job.mu.Unlock()

	p.recordSuccess(time.Since(start))
	p.logger.Info("✅ video packaged",
		zap.String("job", job.BaseName),
		zap.Int("variants", len(outputs)),
		zap.Duration("took", time.Since(start)))
	return masterPath, nil
}

// readVariant accepts a variant only if its index parses as a media playlist
func readVariant(job *TranscodeJob, v profiles.QualityVariant) (variantOutput, error) {
	index := job.Dir.Join(job.IndexName(v))
	f, err := os.Open(index)
	if err != nil {
		return variantOutput{}, err
	}
	defer f.Close()

	playlist, listType, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return variantOutput{}, fmt.Errorf("parse %s: %w", filepath.Base(index), err)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return variantOutput{}, fmt.Errorf("%s is not a media playlist", filepath.Base(index))
	}

	out := variantOutput{variant: v, index: index}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		out.segments = append(out.segments, job.Dir.Join(filepath.Base(seg.URI)))
	}
	if len(out.segments) == 0 {
		return variantOutput{}, fmt.Errorf("%s lists no segments", filepath.Base(index))
	}
	return out, nil
}

// Publish uploads a packaged job to remoteDir: master index first (creating
// the directory), then variant indexes, then segments in sequential batches.
// Each local file is deleted once uploaded. On failure the job directory is removed.
func (p *VideoPackager) Publish(ctx context.Context, job *TranscodeJob, remoteDir string) error {
	start := time.Now()
	job.mu.Lock()
	outputs := job.outputs
	masterPath := job.masterPath
	job.mu.Unlock()
	if masterPath == "" {
		return errors.New("job has not been packaged")
	}

	if err := p.publish(ctx, job, outputs, masterPath, remoteDir); err != nil {
		job.setState(JobFailed)
		job.Dir.Remove()
		return err
	}
	job.setState(JobDone)
	p.metrics.ObserveStage("publish", time.Since(start))
	return nil
}

func (p *VideoPackager) publish(ctx context.Context, job *TranscodeJob, outputs []variantOutput, masterPath, remoteDir string) error {
	upload := func(ctx context.Context, local string, ensureDir bool) error {
		if err := p.uploader.Upload(ctx, local, path.Join(remoteDir, filepath.Base(local)), ensureDir); err != nil {
			return err
		}
		scratch.RemoveFile(p.logger, local)
		return nil
	}

	if err := upload(ctx, masterPath, true); err != nil {
		return err
	}
	var segments []string
	for _, o := range outputs {
		if err := upload(ctx, o.index, false); err != nil {
			return err
		}
		segments = append(segments, o.segments...)
	}

	for i := 0; i < len(segments); i += p.opts.UploadBatch {
		batch := segments[i:min(i+p.opts.UploadBatch, len(segments))]
		g, gctx := errgroup.WithContext(ctx)
		for _, seg := range batch {
			seg := seg
			g.Go(func() error { return upload(gctx, seg, false) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	p.logger.Info("📤 video published",
		zap.String("job", job.BaseName),
		zap.String("remote", remoteDir),
		zap.Int("segments", len(segments)))
	return nil
}
