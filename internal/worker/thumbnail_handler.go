package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"studio-job-queue/internal/blob"
	"studio-job-queue/internal/models"
)

// ThumbnailOptions configures ThumbnailHandler.
type ThumbnailOptions struct {
	DownloadTimeout time.Duration
	MaxBytes        int64
	DefaultWidth    int
}

// ThumbnailHandler renders THUMBNAIL_V1 jobs: download, optional grayscale, resize, store.
type ThumbnailHandler struct {
	blobs      blob.Store
	httpClient *http.Client
	maxBytes   int64
	width      int
}

func NewThumbnailHandler(blobs blob.Store, opts ThumbnailOptions) *ThumbnailHandler {
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 25 * 1024 * 1024
	}
	if opts.DefaultWidth == 0 {
		opts.DefaultWidth = 320
	}
	return &ThumbnailHandler{
		blobs:      blobs,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
		maxBytes:   opts.MaxBytes,
		width:      opts.DefaultWidth,
	}
}

func (h *ThumbnailHandler) Handle(ctx context.Context, task Task) (json.RawMessage, error) {
	in, ok := task.Input.(*models.ThumbnailInput)
	if !ok {
		return nil, &models.ExecutionError{Code: models.CodeInvalidInput, Message: "thumbnail input missing"}
	}

	if err := task.Progress.Report(ctx, models.StatusAnalyzing, 10); err != nil {
		return nil, err
	}
	data, contentType, err := h.download(ctx, in.SourceURL)
	if err != nil {
		return nil, err
	}

	img, decoded, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if err := task.Progress.Report(ctx, models.StatusRendering, 50); err != nil {
		return nil, err
	}
	if in.Grayscale {
		img = imaging.Grayscale(img)
	}
	width, height := in.Width, in.Height
	if width == 0 && height == 0 {
		width = h.width
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	format := chooseFormat(in.Format, decoded, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	if err := task.Progress.Report(ctx, models.StatusUploading, 90); err != nil {
		return nil, err
	}
	key := blob.JobKey(task.Job.ID, "thumbnail."+formatExtension(format))
	ref, err := h.blobs.Put(ctx, key, buf.Bytes(), mimeForFormat(format))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	b := img.Bounds()
	return marshalOutput(map[string]any{
		"thumbnailRef": ref,
		"width":        b.Dx(),
		"height":       b.Dy(),
		"format":       formatExtension(format),
	})
}

func (h *ThumbnailHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", h.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func chooseFormat(requested, decoded, contentType string) imaging.Format {
	switch strings.ToLower(requested) {
	case "png":
		return imaging.PNG
	case "jpg":
		return imaging.JPEG
	}
	if strings.EqualFold(decoded, "png") || strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}
