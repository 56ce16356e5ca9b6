package mirror

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func memRecord(t *testing.T, fs afero.Fs, name string, data []byte) FileRecord {
	t.Helper()
	p := "/store/" + name
	writeMem(t, fs, p, string(data))
	return FileRecord{Filename: name, LocalPath: p, Mimetype: MimeFromName(name), Size: int64(len(data))}
}

func TestThumbnail(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := memRecord(t, fs, "wide.png", pngBytes(t, 400, 200))

	var out bytes.Buffer
	require.NoError(t, Thumbnail(fs, rec, 100, &out))

	img, err := jpeg.Decode(&out)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestThumbnail_ClampsSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := memRecord(t, fs, "sq.png", pngBytes(t, 64, 64))

	var out bytes.Buffer
	require.NoError(t, Thumbnail(fs, rec, 1, &out))
	img, err := jpeg.Decode(&out)
	require.NoError(t, err)
	assert.Equal(t, minThumbSize, img.Bounds().Dx())
}

func TestThumbnail_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	txt := memRecord(t, fs, "notes.txt", []byte("hello"))
	assert.ErrorIs(t, Thumbnail(fs, txt, 64, &bytes.Buffer{}), ErrUnsupportedMedia)

	fake := memRecord(t, fs, "fake.png", []byte("not really a png"))
	assert.ErrorIs(t, Thumbnail(fs, fake, 64, &bytes.Buffer{}), ErrUnsupportedMedia)

	gone := FileRecord{Filename: "gone.png", LocalPath: "/store/gone.png", Mimetype: "image/png"}
	assert.ErrorIs(t, Thumbnail(fs, gone, 64, &bytes.Buffer{}), ErrMissingOnDisk)
}

func TestExifTags_NoExif(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := memRecord(t, fs, "plain.png", pngBytes(t, 8, 8))

	tags, err := ExifTags(fs, rec)
	require.NoError(t, err)
	assert.Empty(t, tags)

	_, err = ExifTags(fs, memRecord(t, fs, "a.mp3", []byte("id3")))
	assert.ErrorIs(t, err, ErrUnsupportedMedia)
}

const sampleSRT = `1
00:00:01,000 --> 00:00:02,500
Hello there

2
00:00:03,000 --> 00:00:04,000
General Kenobi
`

func TestSubtitlesVTT(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := memRecord(t, fs, "movie.srt", []byte(sampleSRT))

	var out bytes.Buffer
	require.NoError(t, SubtitlesVTT(fs, rec, &out))
	vtt := out.String()
	assert.Contains(t, vtt, "WEBVTT")
	assert.Contains(t, vtt, "00:00:01.000 --> 00:00:02.500")
	assert.Contains(t, vtt, "General Kenobi")
}

func TestSubtitlesVTT_Unsupported(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := memRecord(t, fs, "movie.mp4", []byte("x"))
	assert.ErrorIs(t, SubtitlesVTT(fs, rec, &bytes.Buffer{}), ErrUnsupportedMedia)
}
