package lib

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\s]`)

// MediaInfo contains information about a downloaded media file
type MediaInfo struct {
	OriginalURL string
	LocalPath   string
	Format      string
	Success     bool
	Error       error
}

// MediaDownloadResult contains the results of downloading the media of a post
type MediaDownloadResult struct {
	Media   []MediaInfo
	Success int
	Failed  int
}

// MediaDownloader saves the images of a Case to disk.
type MediaDownloader struct {
	fetcher   *Fetcher
	outputDir string
}

// NewMediaDownloader creates a MediaDownloader writing under outputDir.
// f talks to the media host directly, so it should not be the Fetcher used
// for the proxy (which may carry an Authorization header).
func NewMediaDownloader(f *Fetcher, outputDir string) *MediaDownloader {
	if f == nil {
		f = NewFetcher()
	}
	return &MediaDownloader{fetcher: f, outputDir: outputDir}
}

// DownloadMedia downloads every image of c into <outputDir>/<post name>/.
// A failed image is recorded in the result and does not stop the others.
func (md *MediaDownloader) DownloadMedia(ctx context.Context, c *Case) (*MediaDownloadResult, error) {
	result := &MediaDownloadResult{}
	if len(c.Images) == 0 {
		return result, nil
	}

	dir := filepath.Join(md.outputDir, strings.TrimSuffix(c.FileName(), ".json"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	for _, mediaURL := range c.Images {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		info := md.downloadSingle(ctx, mediaURL, dir)
		if info.Success {
			result.Success++
		} else {
			result.Failed++
		}
		result.Media = append(result.Media, info)
	}
	return result, nil
}

func (md *MediaDownloader) downloadSingle(ctx context.Context, mediaURL, dir string) MediaInfo {
	info := MediaInfo{OriginalURL: mediaURL}

	filename, format, err := mediaFilename(mediaURL)
	if err != nil {
		info.Error = fmt.Errorf("failed to generate filename: %w", err)
		return info
	}
	info.Format = format
	info.LocalPath = filepath.Join(dir, filename)

	body, err := md.fetcher.FetchURL(ctx, mediaURL)
	if err != nil {
		info.Error = fmt.Errorf("failed to fetch media: %w", err)
		return info
	}
	defer body.Close()

	file, err := os.Create(info.LocalPath)
	if err != nil {
		info.Error = fmt.Errorf("failed to create local file: %w", err)
		return info
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		info.Error = fmt.Errorf("failed to write media data: %w", err)
		os.Remove(info.LocalPath)
		return info
	}

	info.Success = true
	return info
}

// mediaFilename derives a file name from a media URL. pbs.twimg.com media
// carry the extension in the format query parameter, e.g.
// /media/G3abc?format=png&name=4096x4096 becomes G3abc.png.
func mediaFilename(mediaURL string) (string, string, error) {
	u, err := url.Parse(mediaURL)
	if err != nil {
		return "", "", err
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "image"
	}
	format := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if format == "" {
		format = strings.ToLower(u.Query().Get("format"))
		if format == "" {
			format = "jpg"
		}
		name += "." + format
	}

	return unsafeFilenameRe.ReplaceAllString(name, "_"), format, nil
}
