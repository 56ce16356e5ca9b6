package mirror

import (
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/mholt/archives"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// Export streams a ZIP of every recorded file present on disk to w. Each
// file is stored under its record name; records whose local copy is gone are
// left out. It returns the number of files written.
func Export(ctx context.Context, afs afero.Fs, meta *MetadataStore, w io.Writer) (int, error) {
	records := lo.Filter(meta.List(), func(r FileRecord, _ int) bool { return meta.LocalCopyExists(r) })

	files := make([]archives.FileInfo, 0, len(records))
	for _, rec := range records {
		info, err := afs.Stat(rec.LocalPath)
		if err != nil {
			continue
		}
		localPath := rec.LocalPath
		files = append(files, archives.FileInfo{
			FileInfo:      info,
			NameInArchive: rec.Filename,
			Open: func() (fs.File, error) {
				return afs.Open(localPath)
			},
		})
	}

	if err := (archives.Zip{}).Archive(ctx, w, files); err != nil {
		return 0, fmt.Errorf("write zip: %w", err)
	}
	sub("export").Info("export written", "files", len(files))
	return len(files), nil
}
