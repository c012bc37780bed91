package services

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-pipeline/internal/access"
	"media-pipeline/internal/profiles"
	"media-pipeline/internal/remote"
	"media-pipeline/internal/scratch"
)

type upload struct {
	local     string
	remote    string
	ensureDir bool
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	stored  map[string][]byte
	failOn  func(remotePath string) bool
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{stored: map[string][]byte{}}
}

func (u *fakeUploader) Upload(_ context.Context, localPath, remotePath string, ensureDir bool) error {
	if u.failOn != nil && u.failOn(remotePath) {
		return fmt.Errorf("%w: %s after 3 attempts: connection refused", remote.ErrUploadFailed, remotePath)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s", remote.ErrLocalFileMissing, localPath)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, upload{local: localPath, remote: remotePath, ensureDir: ensureDir})
	u.stored[remotePath] = data
	return nil
}

func (u *fakeUploader) remotes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.uploads))
	for i, up := range u.uploads {
		out[i] = up.remote
	}
	return out
}

// gauge tracks how many calls are running at once and the highest count seen
type gauge struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (g *gauge) enter() {
	n := g.active.Add(1)
	for {
		old := g.peak.Load()
		if n <= old || g.peak.CompareAndSwap(old, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.active.Add(-1) }

// fakeEncoder writes a VOD index (two segments unless set) unless the variant is marked failing
type fakeEncoder struct {
	fail     map[string]bool
	segments int
	gauge    *gauge
}

func (e *fakeEncoder) EncodeVariant(ctx context.Context, req VariantRequest) error {
	if e.gauge != nil {
		e.gauge.enter()
		defer e.gauge.leave()
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := os.Stat(req.Source); err != nil {
		return err
	}
	if e.fail[req.Variant.Name] {
		return fmt.Errorf("%w: encoder crashed for %s", ErrProcessing, req.Variant.Name)
	}
	segments := e.segments
	if segments == 0 {
		segments = 2
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < segments; i++ {
		seg := fmt.Sprintf(req.SegmentPattern, i)
		if err := os.WriteFile(seg, []byte("ts-"+req.Variant.Name), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:6.000000,\n%s\n", filepath.Base(seg))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(req.IndexPath, []byte(b.String()), 0o644)
}

type fixture struct {
	intake   *Intake
	uploader *fakeUploader
	encoder  *fakeEncoder
	scratch  *scratch.Manager
	spool    string
}

func newFixture(t *testing.T, policy profiles.ImagePolicy) *fixture {
	t.Helper()
	mgr, err := scratch.NewManager(filepath.Join(t.TempDir(), "scratch"), time.Hour, nil)
	require.NoError(t, err)

	table := &profiles.Table{
		Image: profiles.ClassRule{Class: profiles.ClassImage, Dir: "images",
			AllowedTypes: []string{"image/jpeg", "image/png"}, MaxSize: 1 << 20},
		Video: profiles.ClassRule{Class: profiles.ClassVideo, Dir: "videos",
			AllowedTypes: []string{"video/mp4"}, MaxSize: 10 << 20},
	}
	up := newFakeUploader()
	enc := &fakeEncoder{fail: map[string]bool{}}
	signer, err := access.NewSigner("secret")
	require.NoError(t, err)

	in := NewIntake(IntakeDeps{
		Table:    table,
		Images:   NewImageNormalizer(&NativeImageEngine{}, policy, nil),
		Videos:   NewVideoPackager(enc, up, PackagerOptions{Variants: profiles.DefaultVariants, UploadBatch: 3, CPUs: 4}, nil, nil),
		Uploader: up,
		Scratch:  mgr,
		Signer:   signer,
	}, IntakeOptions{
		StorageRoot:   "/var/www/media",
		Project:       "reel-win",
		PublicBaseURL: "http://cdn.example/media/",
		NamePrefix:    "TEST",
		TokenTTL:      time.Hour,
	})
	return &fixture{intake: in, uploader: up, encoder: enc, scratch: mgr, spool: t.TempDir()}
}

func (f *fixture) pngFile(t *testing.T, name string, w, h int) UploadedFile {
	t.Helper()
	p := filepath.Join(f.spool, name)
	require.NoError(t, imaging.Save(imaging.New(w, h, color.NRGBA{R: 200, A: 255}), p))
	info, err := os.Stat(p)
	require.NoError(t, err)
	return UploadedFile{OriginalName: name, ContentType: "image/png", Size: info.Size(), LocalPath: p}
}

func (f *fixture) videoFile(t *testing.T, name string) UploadedFile {
	t.Helper()
	p := filepath.Join(f.spool, name)
	require.NoError(t, os.WriteFile(p, []byte("not really mp4"), 0o644))
	return UploadedFile{OriginalName: name, ContentType: "video/mp4", Size: 14, LocalPath: p}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "leftover files in %s", dir)
}

func TestBatchOfValidImages(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 1200, Height: 1200, Quality: 80})
	files := []UploadedFile{
		f.pngFile(t, "one.png", 100, 80),
		f.pngFile(t, "two photo.png", 2400, 1200),
		f.pngFile(t, "three.png", 640, 640),
	}

	batch, err := f.intake.ProcessBatch(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)
	assert.Empty(t, batch.Errors)

	for i, res := range batch.Results {
		assert.Equal(t, files[i].OriginalName, res.OriginalName)
		assert.Equal(t, "image/jpeg", res.MimeType)
		assert.True(t, strings.HasPrefix(res.FileName, "TEST-"), res.FileName)
		assert.True(t, strings.HasSuffix(res.FileName, ".jpg"), res.FileName)
		assert.Equal(t, "http://cdn.example/media/reel-win/images/"+res.FileName, res.Path)
		assert.True(t, strings.HasPrefix(res.SignedPath, res.Path+"?token="))
		assert.Contains(t, f.uploader.stored, "/var/www/media/reel-win/images/"+res.FileName)
	}
	assert.Contains(t, batch.Results[1].FileName, "two_photo")
	assertEmptyDir(t, f.spool)
}

func TestBatchWithOversizeFile(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 1200, Height: 1200, Quality: 80})
	big := f.pngFile(t, "big.png", 10, 10)
	big.Size = 5 << 20

	batch, err := f.intake.ProcessBatch(context.Background(), []UploadedFile{f.pngFile(t, "ok.png", 10, 10), big})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, "big.png", batch.Errors[0].File)
	assert.Equal(t, KindValidation, batch.Errors[0].Kind)
	assert.Contains(t, batch.Errors[0].Reason, "file too large")
	assertEmptyDir(t, f.spool)
}

func TestEmptyBatch(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10})
	_, err := f.intake.ProcessBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestAllFilesFailed(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10})
	file := f.pngFile(t, "x.png", 4, 4)
	file.ContentType = "application/pdf"

	batch, err := f.intake.ProcessBatch(context.Background(), []UploadedFile{file})
	assert.ErrorIs(t, err, ErrAllFilesFailed)
	require.NotNil(t, batch)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, KindValidation, batch.Errors[0].Kind)
}

func TestExpectedClassMismatch(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10})
	file := f.pngFile(t, "x.png", 4, 4)
	file.ExpectedClass = profiles.ClassVideo

	batch, err := f.intake.ProcessBatch(context.Background(), []UploadedFile{file})
	assert.ErrorIs(t, err, ErrAllFilesFailed)
	assert.Equal(t, KindValidation, batch.Errors[0].Kind)
}

func TestVideoWithEveryVariantFailing(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10})
	for _, v := range profiles.DefaultVariants {
		f.encoder.fail[v.Name] = true
	}

	batch, err := f.intake.ProcessBatch(context.Background(), []UploadedFile{f.videoFile(t, "clip.mp4")})
	assert.ErrorIs(t, err, ErrAllFilesFailed)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, KindProcessing, batch.Errors[0].Kind)
	assert.Contains(t, batch.Errors[0].Reason, ErrNoUsableVariant.Error())
	assert.Empty(t, f.uploader.remotes())
	assertEmptyDir(t, f.spool)
	assertEmptyDir(t, f.scratch.Root())
}

func TestVideoPublishOrderAndVersions(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10})
	f.encoder.fail["360p"] = true

	batch, err := f.intake.ProcessBatch(context.Background(), []UploadedFile{f.videoFile(t, "clip.mp4")})
	require.NoError(t, err)
	require.Len(t, batch.Results, 1)
	res := batch.Results[0]

	base := strings.TrimSuffix(res.FileName, ".m3u8")
	dir := "/var/www/media/reel-win/videos/converted/" + base
	assert.Equal(t, "http://cdn.example/media/reel-win/videos/converted/"+base+"/"+res.FileName, res.Path)
	assert.Equal(t, "application/x-mpegURL", res.MimeType)
	require.Len(t, res.Versions, 2)
	assert.Equal(t, "720p", res.Versions[0].Quality)
	assert.Equal(t, "144p", res.Versions[1].Quality)

	uploads := f.uploader.uploads
	require.Len(t, uploads, 1+2+4)
	assert.Equal(t, dir+"/"+base+".m3u8", uploads[0].remote)
	assert.True(t, uploads[0].ensureDir)
	assert.Equal(t, dir+"/"+base+"_720p.m3u8", uploads[1].remote)
	assert.Equal(t, dir+"/"+base+"_144p.m3u8", uploads[2].remote)
	for _, up := range uploads[1:] {
		assert.False(t, up.ensureDir)
	}
	for _, up := range uploads[3:] {
		assert.True(t, strings.HasSuffix(up.remote, ".ts"), up.remote)
	}

	// the master lists exactly the variants that encoded
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(string(f.uploader.stored[uploads[0].remote])), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MASTER, listType)
	master := playlist.(*m3u8.MasterPlaylist)
	require.Len(t, master.Variants, 2)
	assert.Equal(t, base+"_720p.m3u8", master.Variants[0].URI)
	assert.Equal(t, uint32(2500000), master.Variants[0].Bandwidth)
	assert.Equal(t, "1280x720", master.Variants[0].Resolution)
	assert.Equal(t, base+"_144p.m3u8", master.Variants[1].URI)

	assertEmptyDir(t, f.scratch.Root())
	assertEmptyDir(t, f.spool)
}

func TestVideoPublishFailureRemovesJob(t *testing.T) {
	f := newFixture(t, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10})
	f.uploader.failOn = func(remotePath string) bool { return strings.HasSuffix(remotePath, "_001.ts") }

	batch, err := f.intake.ProcessBatch(context.Background(), []UploadedFile{f.videoFile(t, "clip.mp4")})
	assert.ErrorIs(t, err, ErrAllFilesFailed)
	assert.Equal(t, KindTransport, batch.Errors[0].Kind)
	assertEmptyDir(t, f.scratch.Root())
}

func TestPackageStates(t *testing.T) {
	mgr, err := scratch.NewManager(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	dir, err := mgr.MkdirTemp("job")
	require.NoError(t, err)
	defer dir.Remove()

	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	p := NewVideoPackager(&fakeEncoder{}, newFakeUploader(), PackagerOptions{CPUs: 2}, nil, nil)
	job := NewTranscodeJob("clip", dir)
	assert.Equal(t, JobPending, job.State())

	master, err := p.Package(context.Background(), job, src)
	require.NoError(t, err)
	assert.Equal(t, JobAssembling, job.State())
	assert.FileExists(t, master)
	assert.NoFileExists(t, src)
	assert.Len(t, job.Variants(), 3)

	require.NoError(t, p.Publish(context.Background(), job, "/remote/clip"))
	assert.Equal(t, JobDone, job.State())
	assert.Equal(t, int64(1), p.GetStats().TotalConversions)
}

// timedUploader records when each segment upload starts and ends on a shared clock
type timedUploader struct {
	*fakeUploader
	clock  atomic.Int64
	gauge  gauge
	mu     sync.Mutex
	starts map[string]int64
	ends   map[string]int64
}

func (u *timedUploader) Upload(ctx context.Context, localPath, remotePath string, ensureDir bool) error {
	if filepath.Ext(remotePath) != ".ts" {
		return u.fakeUploader.Upload(ctx, localPath, remotePath, ensureDir)
	}
	name := filepath.Base(remotePath)
	u.gauge.enter()
	u.mu.Lock()
	u.starts[name] = u.clock.Add(1)
	u.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	err := u.fakeUploader.Upload(ctx, localPath, remotePath, ensureDir)

	u.mu.Lock()
	u.ends[name] = u.clock.Add(1)
	u.mu.Unlock()
	u.gauge.leave()
	return err
}

func packagedJob(t *testing.T, p *VideoPackager) *TranscodeJob {
	t.Helper()
	mgr, err := scratch.NewManager(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	dir, err := mgr.MkdirTemp("job")
	require.NoError(t, err)
	t.Cleanup(func() { dir.Remove() })

	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	job := NewTranscodeJob("clip", dir)
	_, err = p.Package(context.Background(), job, src)
	require.NoError(t, err)
	return job
}

func TestPublishSegmentBatchBound(t *testing.T) {
	up := &timedUploader{fakeUploader: newFakeUploader(), starts: map[string]int64{}, ends: map[string]int64{}}
	p := NewVideoPackager(&fakeEncoder{segments: 3}, up, PackagerOptions{UploadBatch: 3, CPUs: 4}, nil, nil)
	job := packagedJob(t, p)

	require.NoError(t, p.Publish(context.Background(), job, "/remote/clip"))

	var segments []string
	for _, v := range profiles.DefaultVariants {
		for i := 0; i < 3; i++ {
			segments = append(segments, fmt.Sprintf("clip_%s_%03d.ts", v.Name, i))
		}
	}
	require.Len(t, up.starts, len(segments))
	assert.LessOrEqual(t, up.gauge.peak.Load(), int32(3))

	for i := 3; i < len(segments); i += 3 {
		var prevEnd int64
		for _, seg := range segments[i-3 : i] {
			prevEnd = max(prevEnd, up.ends[seg])
		}
		for _, seg := range segments[i:min(i+3, len(segments))] {
			assert.Greater(t, up.starts[seg], prevEnd, "%s started before the previous batch finished", seg)
		}
	}
}

func TestPackageEncodeParallelismBound(t *testing.T) {
	enc := &fakeEncoder{gauge: &gauge{}}
	p := NewVideoPackager(enc, newFakeUploader(), PackagerOptions{CPUs: 2}, nil, nil)
	parallel, _ := profiles.EncodeParallelism(2, len(profiles.DefaultVariants))
	require.Equal(t, 2, parallel)

	job := packagedJob(t, p)

	assert.Len(t, job.Variants(), 3)
	assert.LessOrEqual(t, enc.gauge.peak.Load(), int32(parallel))
	assert.Positive(t, enc.gauge.peak.Load())
}

func TestPublishBeforePackage(t *testing.T) {
	mgr, err := scratch.NewManager(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	dir, err := mgr.MkdirTemp("job")
	require.NoError(t, err)

	p := NewVideoPackager(&fakeEncoder{}, newFakeUploader(), PackagerOptions{}, nil, nil)
	err = p.Publish(context.Background(), NewTranscodeJob("clip", dir), "/remote")
	assert.Error(t, err)
}

func TestNativeEngineHonoursPolicy(t *testing.T) {
	cases := []struct {
		policy profiles.ImagePolicy
		w, h   int
		wantW  int
		wantH  int
	}{
		{profiles.ImagePolicy{Mode: profiles.FitInside, Width: 1200, Height: 1200, Quality: 80}, 2400, 1200, 1200, 600},
		{profiles.ImagePolicy{Mode: profiles.FitInside, Width: 1200, Height: 1200, Quality: 80}, 300, 200, 300, 200},
		{profiles.ImagePolicy{Mode: profiles.FillExact, Width: 72, Height: 128, Quality: 80}, 300, 200, 72, 128},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_%dx%d", tc.policy.Mode, tc.w, tc.h), func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "in.png")
			require.NoError(t, imaging.Save(imaging.New(tc.w, tc.h, color.NRGBA{B: 255, A: 255}), src))

			n := NewImageNormalizer(&NativeImageEngine{}, tc.policy, nil)
			out, err := n.Normalize(context.Background(), src)
			require.NoError(t, err)
			assert.NoFileExists(t, src)
			assert.Equal(t, ".jpg", filepath.Ext(out))

			img, err := imaging.Open(out)
			require.NoError(t, err)
			assert.Equal(t, tc.wantW, img.Bounds().Dx())
			assert.Equal(t, tc.wantH, img.Bounds().Dy())
		})
	}
}

func TestNormalizeFailureRemovesSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0o644))

	n := NewImageNormalizer(&NativeImageEngine{}, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 10, Height: 10}, nil)
	_, err := n.Normalize(context.Background(), src)
	assert.ErrorIs(t, err, ErrProcessing)
	assert.NoFileExists(t, src)
	assert.Equal(t, int64(1), n.GetStats().FailedConversions)
}

func TestNewImageEngine(t *testing.T) {
	e, err := NewImageEngine("", NewFFmpeg(""))
	require.NoError(t, err)
	assert.Equal(t, "image/webp", e.MimeType())

	e, err = NewImageEngine("native", nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", e.MimeType())

	_, err = NewImageEngine("gimp", nil)
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my_holiday_clip", sanitizeName("my holiday.clip"))
	assert.Equal(t, "file", sanitizeName("???"))
	assert.Len(t, sanitizeName(strings.Repeat("a", 100)), 40)
}

func requireFFmpeg(t *testing.T, encoders ...string) *FFmpeg {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	ff := NewFFmpeg("")
	if !ff.Available() {
		t.Skip("ffmpeg not installed")
	}
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil {
		t.Skip("cannot list ffmpeg encoders")
	}
	for _, enc := range encoders {
		if !strings.Contains(string(out), enc) {
			t.Skipf("ffmpeg built without %s", enc)
		}
	}
	return ff
}

func TestFFmpegImageEngine(t *testing.T) {
	ff := requireFFmpeg(t, "libwebp")
	src := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, imaging.Save(imaging.New(1600, 800, color.NRGBA{G: 255, A: 255}), src))

	n := NewImageNormalizer(&FFmpegImageEngine{ffmpeg: ff}, profiles.ImagePolicy{Mode: profiles.FitInside, Width: 1200, Height: 1200, Quality: 80}, nil)
	out, err := n.Normalize(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ".webp", filepath.Ext(out))

	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, 1200, img.Bounds().Dx())
	assert.Equal(t, 600, img.Bounds().Dy())
}

func TestFFmpegHLSEncoder(t *testing.T) {
	ff := requireFFmpeg(t, "libx264", "aac")
	src := filepath.Join(t.TempDir(), "in.mp4")
	err := ff.Run(context.Background(),
		"-f", "lavfi", "-i", "testsrc=duration=3:size=320x240:rate=24",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=3",
		"-c:v", "libx264", "-c:a", "aac", "-shortest", src)
	require.NoError(t, err)

	mgr, err := scratch.NewManager(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	dir, err := mgr.MkdirTemp("job")
	require.NoError(t, err)
	defer dir.Remove()

	variants := []profiles.QualityVariant{{Name: "144p", Width: 256, Height: 144, Bitrate: 200}}
	p := NewVideoPackager(NewFFmpegHLSEncoder(ff), newFakeUploader(), PackagerOptions{Variants: variants, SegmentSeconds: 1}, nil, nil)
	job := NewTranscodeJob("clip", dir)
	master, err := p.Package(context.Background(), job, src)
	require.NoError(t, err)
	assert.FileExists(t, master)
	assert.Len(t, job.Variants(), 1)
}

func TestFFmpegRunReportsStderr(t *testing.T) {
	ff := requireFFmpeg(t)
	err := ff.Run(context.Background(), "-i", filepath.Join(t.TempDir(), "missing.mp4"), filepath.Join(t.TempDir(), "out.mp4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessing))
	assert.Contains(t, err.Error(), "stderr")
}
