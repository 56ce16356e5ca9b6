package mirror

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/asticode/go-astisub"
	"github.com/disintegration/imaging"
	exif "github.com/dsoprea/go-exif/v3"
	"github.com/spf13/afero"
	_ "golang.org/x/image/webp" // registers the WebP decoder used by imaging.Decode
)

const (
	DefaultThumbSize = 256
	minThumbSize     = 16
	maxThumbSize     = 1024

	maxExifScan = 64 << 20
)

// Thumbnail writes a JPEG of rec scaled to fit a size x size box. EXIF
// orientation is applied. Non-image records fail with ErrUnsupportedMedia.
func Thumbnail(fs afero.Fs, rec FileRecord, size int, w io.Writer) error {
	if ClassifyType(rec.Mimetype) != "image" {
		return fmt.Errorf("%w: %s is %s", ErrUnsupportedMedia, rec.Filename, rec.Mimetype)
	}
	size = min(max(size, minThumbSize), maxThumbSize)

	f, err := fs.Open(rec.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingOnDisk, rec.Filename)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnsupportedMedia, rec.Filename, err)
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)
	return imaging.Encode(w, thumb, imaging.JPEG, imaging.JPEGQuality(82))
}

// ExifTags returns the EXIF tags of rec as name -> formatted value. A file
// without EXIF data yields an empty map. Where a tag appears in several IFDs
// the first occurrence (the main image) wins.
func ExifTags(fs afero.Fs, rec FileRecord) (map[string]string, error) {
	if ClassifyType(rec.Mimetype) != "image" {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedMedia, rec.Filename, rec.Mimetype)
	}
	f, err := fs.Open(rec.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingOnDisk, rec.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxExifScan))
	if err != nil {
		return nil, err
	}

	tags := map[string]string{}
	raw, err := exif.SearchAndExtractExif(data)
	if errors.Is(err, exif.ErrNoExif) {
		return tags, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: exif %s: %v", ErrUnsupportedMedia, rec.Filename, err)
	}

	entries, _, err := exif.GetFlatExifData(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: exif %s: %v", ErrUnsupportedMedia, rec.Filename, err)
	}
	for _, e := range entries {
		if e.TagName == "" {
			continue
		}
		if _, seen := tags[e.TagName]; !seen {
			tags[e.TagName] = e.Formatted
		}
	}
	return tags, nil
}

// SubtitlesVTT converts an SRT, SSA/ASS, TTML or WebVTT record to WebVTT.
func SubtitlesVTT(fs afero.Fs, rec FileRecord, w io.Writer) error {
	var read func(io.Reader) (*astisub.Subtitles, error)
	switch strings.ToLower(filepath.Ext(rec.Filename)) {
	case ".srt":
		read = astisub.ReadFromSRT
	case ".ssa", ".ass":
		read = astisub.ReadFromSSA
	case ".ttml":
		read = astisub.ReadFromTTML
	case ".vtt":
		read = astisub.ReadFromWebVTT
	default:
		return fmt.Errorf("%w: %s is not a subtitle file", ErrUnsupportedMedia, rec.Filename)
	}

	f, err := fs.Open(rec.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingOnDisk, rec.Filename)
	}
	defer f.Close()

	subs, err := read(f)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrUnsupportedMedia, rec.Filename, err)
	}
	return subs.WriteToWebVTT(w)
}
