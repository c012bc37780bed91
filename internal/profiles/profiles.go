package profiles

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// MediaClass groups uploads that share a processing path
type MediaClass string

const (
	ClassImage MediaClass = "image"
	ClassVideo MediaClass = "video"
)

var (
	// ErrUnsupportedType is returned for content types outside every allow-list
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrTooLarge is returned when a file exceeds its class ceiling
	ErrTooLarge = errors.New("file too large")
)

// QualityVariant is one rendition target of the video ladder
type QualityVariant struct {
	Name    string
	Width   int
	Height  int
	Bitrate int // kbps
}

// Resolution formats the variant as WIDTHxHEIGHT
func (v QualityVariant) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Bandwidth returns the advertised bandwidth in bits per second
func (v QualityVariant) Bandwidth() uint32 {
	return uint32(v.Bitrate) * 1000
}

// DefaultVariants is the ladder used when VIDEO_VARIANTS is not set
var DefaultVariants = []QualityVariant{
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
	{Name: "360p", Width: 640, Height: 360, Bitrate: 600},
	{Name: "144p", Width: 256, Height: 144, Bitrate: 200},
}

// ParseVariants reads a ladder in the form "720p:1280x720:2500,360p:640x360:600"
func ParseVariants(spec string) ([]QualityVariant, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return slices.Clone(DefaultVariants), nil
	}

	seen := make(map[string]bool)
	var variants []QualityVariant
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid variant %q: want name:WxH:kbps", entry)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" || seen[name] {
			return nil, fmt.Errorf("invalid variant %q: empty or duplicate name", entry)
		}
		var w, h int
		if _, err := fmt.Sscanf(parts[1], "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
			return nil, fmt.Errorf("invalid variant %q: bad resolution", entry)
		}
		kbps, err := strconv.Atoi(strings.TrimSuffix(parts[2], "k"))
		if err != nil || kbps <= 0 {
			return nil, fmt.Errorf("invalid variant %q: bad bitrate", entry)
		}
		seen[name] = true
		variants = append(variants, QualityVariant{Name: name, Width: w, Height: h, Bitrate: kbps})
	}
	return variants, nil
}

// ClassRule holds the intake limits for one media class
type ClassRule struct {
	Class        MediaClass
	Dir          string // remote sub-directory under the project
	AllowedTypes []string
	MaxSize      int64
}

// Allows reports whether contentType is on the allow-list
func (r ClassRule) Allows(contentType string) bool {
	return slices.Contains(r.AllowedTypes, normalizeType(contentType))
}

// Table is the static profile table shared by every job
type Table struct {
	Image ClassRule
	Video ClassRule
}

// Classify resolves the rule for a declared content type and enforces the size ceiling
func (t *Table) Classify(contentType string, size int64) (ClassRule, error) {
	ct := normalizeType(contentType)

	var rule ClassRule
	switch {
	case t.Image.Allows(ct):
		rule = t.Image
	case t.Video.Allows(ct):
		rule = t.Video
	case strings.HasPrefix(ct, "image/"):
		return ClassRule{}, fmt.Errorf("%w: %s (allowed: %s)", ErrUnsupportedType, ct, strings.Join(t.Image.AllowedTypes, ", "))
	case strings.HasPrefix(ct, "video/"):
		return ClassRule{}, fmt.Errorf("%w: %s (allowed: %s)", ErrUnsupportedType, ct, strings.Join(t.Video.AllowedTypes, ", "))
	default:
		return ClassRule{}, fmt.Errorf("%w: %q", ErrUnsupportedType, ct)
	}

	if rule.MaxSize > 0 && size > rule.MaxSize {
		return ClassRule{}, fmt.Errorf("%w: %s exceeds %s limit for %s",
			ErrTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(rule.MaxSize)), rule.Class)
	}
	return rule, nil
}

func normalizeType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}
