package mirror

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maruel/natural"
	"github.com/spf13/afero"
)

// ScanUploads walks the legacy uploads tree and returns every regular file.
// Directories are recursed into but not reported. Hidden entries, temp files
// and anything matched by ignore are skipped. A missing root yields no files.
func ScanUploads(fs afero.Fs, root string, ignore *IgnoreList) ([]UploadedFile, error) {
	l := sub("scanner")
	l.Debug("scan start", "root", root)

	if _, err := fs.Stat(root); os.IsNotExist(err) {
		l.Debug("uploads root missing", "root", root)
		return nil, nil
	}

	var files []UploadedFile
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			l.Warn("scan walk error", "path", path, "err", err)
			return nil
		}
		if path == root {
			return nil
		}

		name := info.Name()
		if strings.HasPrefix(name, ".") || ignore.IsIgnored(name, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, UploadedFile{
			Filename:     name,
			RelativePath: filepath.ToSlash(rel),
			Size:         info.Size(),
			CreatedAt:    info.ModTime(),
			ModifiedAt:   info.ModTime(),
		})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return natural.Less(files[i].RelativePath, files[j].RelativePath)
	})

	l.Debug("scan complete", "root", root, "files", len(files))
	return files, err
}

// mimeTypes is the static extension table used for migrated and downloaded
// files. Unknown extensions map to application/octet-stream.
var mimeTypes = map[string]string{
	// images
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".gif": "image/gif", ".webp": "image/webp", ".svg": "image/svg+xml",
	".bmp": "image/bmp", ".ico": "image/x-icon", ".tif": "image/tiff",
	".tiff": "image/tiff", ".avif": "image/avif", ".heic": "image/heic",
	// documents
	".pdf": "application/pdf", ".txt": "text/plain", ".md": "text/markdown",
	".csv": "text/csv", ".json": "application/json", ".xml": "application/xml",
	".html": "text/html", ".htm": "text/html",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".rtf":  "application/rtf",
	// audio
	".mp3": "audio/mpeg", ".wav": "audio/wav", ".ogg": "audio/ogg",
	".flac": "audio/flac", ".aac": "audio/aac", ".m4a": "audio/mp4",
	".opus": "audio/opus",
	// video
	".mp4": "video/mp4", ".webm": "video/webm", ".mov": "video/quicktime",
	".avi": "video/x-msvideo", ".mkv": "video/x-matroska", ".m4v": "video/x-m4v",
	".wmv": "video/x-ms-wmv",
	// subtitles
	".srt": "application/x-subrip", ".vtt": "text/vtt", ".ssa": "text/x-ssa",
	".ass": "text/x-ssa",
	// archives
	".zip": "application/zip", ".rar": "application/vnd.rar",
	".7z": "application/x-7z-compressed", ".tar": "application/x-tar",
	".gz": "application/gzip", ".tgz": "application/gzip",
}

// MimeFromName infers a MIME type from the filename extension.
func MimeFromName(name string) string {
	if mt, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return "application/octet-stream"
}

// ClassifyType buckets a MIME type for search filtering.
// Returns one of: "image", "video", "audio", "document", "archive", "other".
func ClassifyType(mimetype string) string {
	major, minor, _ := strings.Cut(mimetype, "/")
	switch major {
	case "image", "video", "audio":
		return major
	case "text":
		return "document"
	}

	switch {
	case minor == "pdf", strings.Contains(minor, "word"), strings.Contains(minor, "excel"),
		strings.Contains(minor, "powerpoint"), strings.Contains(minor, "officedocument"),
		strings.Contains(minor, "opendocument"), minor == "rtf", minor == "json", minor == "xml",
		minor == "x-subrip":
		return "document"
	case minor == "zip", minor == "gzip", minor == "vnd.rar", minor == "x-7z-compressed", minor == "x-tar":
		return "archive"
	}
	return "other"
}
