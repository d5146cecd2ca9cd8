package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// gcpVisionClient implements Client using Google Cloud Vision's label,
// safe-search, and image-property detectors as a feature-detection
// engine. It serves every analysis type when the process starts with
// VISION_ENGINE=gcpvision; a profile's engine_type does not select it.
// It does not accept free-form prompts and runs the same three detectors
// whatever the AnalysisType; the result is normalized into the same
// RawJSON shape the loopback engine's QA tiers expect.
type gcpVisionClient struct {
	inner *vision.ImageAnnotatorClient
	log   *logger.Logger
}

// NewGCPVisionClient wraps cloud.google.com/go/vision/v2's
// ImageAnnotatorClient behind the shared Client interface.
func NewGCPVisionClient(ctx context.Context, log *logger.Logger) (Client, error) {
	c, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp vision: client init: %w", err)
	}
	return &gcpVisionClient{inner: c, log: log.With("component", "VisionClient", "engine", "gcpvision")}, nil
}

func (c *gcpVisionClient) Analyze(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	image := &visionpb.Image{Content: req.ImageBytes}

	annotateReq := &visionpb.AnnotateImageRequest{
		Image: image,
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_LABEL_DETECTION},
			{Type: visionpb.Feature_SAFE_SEARCH_DETECTION},
			{Type: visionpb.Feature_IMAGE_PROPERTIES},
		},
	}

	batchResp, err := c.inner.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{annotateReq},
	})
	if err == nil && len(batchResp.GetResponses()) == 0 {
		err = fmt.Errorf("gcp vision: empty batch response")
	}
	var resp *visionpb.AnnotateImageResponse
	if err == nil {
		resp = batchResp.GetResponses()[0]
		if respErr := resp.GetError(); respErr != nil {
			err = fmt.Errorf("gcp vision: %s", respErr.GetMessage())
		}
	}
	if err != nil {
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveVisionRequest(req.AnalysisType, "gcpvision", "error", time.Since(start), 0, 0)
			metrics.IncClientError("vision_gcpvision")
		}
		return nil, fmt.Errorf("gcp vision: annotate: %w", err)
	}
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveVisionRequest(req.AnalysisType, "gcpvision", "ok", time.Since(start), 0, 0)
	}

	normalized := normalizeAnnotations(resp)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("gcp vision: normalize: %w", err)
	}
	return &Response{RawJSON: string(raw)}, nil
}

func (c *gcpVisionClient) Close() error {
	return c.inner.Close()
}

type gcpAnnotationResult struct {
	Labels          []string `json:"labels"`
	Adult           string   `json:"adult_likelihood,omitempty"`
	Violence        string   `json:"violence_likelihood,omitempty"`
	DominantColors  int      `json:"dominant_color_count"`
}

func normalizeAnnotations(resp *visionpb.AnnotateImageResponse) gcpAnnotationResult {
	var out gcpAnnotationResult
	for _, l := range resp.GetLabelAnnotations() {
		out.Labels = append(out.Labels, l.GetDescription())
	}
	if ss := resp.GetSafeSearchAnnotation(); ss != nil {
		out.Adult = ss.GetAdult().String()
		out.Violence = ss.GetViolence().String()
	}
	if props := resp.GetImagePropertiesAnnotation(); props != nil {
		out.DominantColors = len(props.GetDominantColors().GetColors())
	}
	return out
}
