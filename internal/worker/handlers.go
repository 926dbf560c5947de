package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"studio-job-queue/internal/blob"
	"studio-job-queue/internal/models"
)

// StudioHandlers are placeholder implementations of the studio pipeline types.
// They report their sub-stages and write manifest artifacts under jobs/<id>/ so
// a re-dispatch overwrites rather than duplicates.
type StudioHandlers struct {
	Blobs blob.Store
}

// Register binds every studio type, plus THUMBNAIL_V1 when thumb is non-nil.
func (h *StudioHandlers) Register(reg *Registry, thumb *ThumbnailHandler) error {
	bindings := map[models.JobType]HandlerFunc{
		models.TypeClipPipeline:  h.clipPipeline,
		models.TypeCaption:       h.caption,
		models.TypeExportMP4:     h.export,
		models.TypePublishTikTok: h.publish,
	}
	for t, fn := range bindings {
		if err := reg.Register(t, fn); err != nil {
			return err
		}
	}
	if thumb != nil {
		return reg.Register(models.TypeThumbnail, thumb)
	}
	return nil
}

func (h *StudioHandlers) clipPipeline(ctx context.Context, task Task) (json.RawMessage, error) {
	in := task.Input.(*models.ClipPipelineInput)
	if err := task.Progress.Report(ctx, models.StatusAnalyzing, 10); err != nil {
		return nil, err
	}
	maxClips := in.MaxClips
	if maxClips == 0 {
		maxClips = 3
	}
	format := in.Format
	if format == "" {
		format = "VERTICAL_9_16"
	}
	if err := task.Progress.Report(ctx, models.StatusRendering, 50); err != nil {
		return nil, err
	}
	clips := make([]map[string]any, 0, maxClips)
	for i := 1; i <= maxClips; i++ {
		clips = append(clips, map[string]any{
			"index":    i,
			"format":   format,
			"captions": in.Captions,
		})
	}
	if err := task.Progress.Report(ctx, models.StatusUploading, 90); err != nil {
		return nil, err
	}
	ref, err := h.putJSON(ctx, task.Job.ID, "clips.json", map[string]any{
		"source":   firstNonEmpty(in.MediaRef, in.TranscriptRef),
		"clips":    clips,
		"branding": in.Branding,
	})
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]any{"clipCount": len(clips), "manifestRef": ref})
}

func (h *StudioHandlers) caption(ctx context.Context, task Task) (json.RawMessage, error) {
	in := task.Input.(*models.CaptionInput)
	lang := in.Language
	if lang == "" {
		lang = "en"
	}
	if err := task.Progress.Report(ctx, models.StatusAnalyzing, 30); err != nil {
		return nil, err
	}
	srt := fmt.Sprintf("1\n00:00:00,000 --> 00:00:02,000\n[%s] %s\n", lang, in.TranscriptRef)
	ref, err := h.Blobs.Put(ctx, blob.JobKey(task.Job.ID, "captions."+strings.ToLower(lang)+".srt"), []byte(srt), "application/x-subrip")
	if err != nil {
		return nil, fmt.Errorf("store captions: %w", err)
	}
	return marshalOutput(map[string]any{"language": lang, "captionsRef": ref})
}

func (h *StudioHandlers) export(ctx context.Context, task Task) (json.RawMessage, error) {
	in := task.Input.(*models.ExportInput)
	if err := task.Progress.Report(ctx, models.StatusRendering, 40); err != nil {
		return nil, err
	}
	ref, err := h.putJSON(ctx, task.Job.ID, "export.json", map[string]any{
		"mediaRef": in.MediaRef,
		"clipRefs": in.ClipRefs,
		"format":   in.Format,
		"codec":    "h264",
	})
	if err != nil {
		return nil, err
	}
	if err := task.Progress.Report(ctx, models.StatusUploading, 90); err != nil {
		return nil, err
	}
	return marshalOutput(map[string]any{"exportRef": ref})
}

func (h *StudioHandlers) publish(ctx context.Context, task Task) (json.RawMessage, error) {
	in := task.Input.(*models.PublishInput)
	if err := task.Progress.Report(ctx, models.StatusUploading, 50); err != nil {
		return nil, err
	}
	// The post id derives from the job id so a repeated publish reports the same post.
	postID := "draft-" + task.Job.ID
	ref, err := h.putJSON(ctx, task.Job.ID, "publish.json", map[string]any{
		"artifactRef": in.ArtifactRef,
		"caption":     in.Caption,
		"postId":      postID,
	})
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]any{"postId": postID, "receiptRef": ref})
}

func (h *StudioHandlers) putJSON(ctx context.Context, jobID, name string, v any) (string, error) {
	body, err := sonic.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	ref, err := h.Blobs.Put(ctx, blob.JobKey(jobID, name), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("store %s: %w", name, err)
	}
	return ref, nil
}

func marshalOutput(v any) (json.RawMessage, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return b, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
