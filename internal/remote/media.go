// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/surveykit/surveysync/internal/logging"
	"github.com/surveykit/surveysync/internal/metrics"
	"github.com/surveykit/surveysync/internal/models"
)

// uploadResponse is the body of a successful POST /api/upload.
type uploadResponse struct {
	URL string `json:"url"`
}

// resolveMedia walks every field of the detail document and uploads each
// media field still in inline form, substituting the returned stable
// reference. Fields already in uploaded form are left untouched, so
// re-pushing a resolved document performs zero uploads.
//
// The walk operates on a decoded copy; the caller's document bytes are
// never mutated. Any upload failure aborts the whole resolution: a push is
// all-or-nothing with respect to its media.
func (c *Client) resolveMedia(ctx context.Context, projectID string, det *models.Detail) (*models.Detail, error) {
	if len(det.Doc) == 0 {
		return det.Clone(), nil
	}

	var doc interface{}
	if err := json.Unmarshal(det.Doc, &doc); err != nil {
		return nil, fmt.Errorf("decode detail document for %s: %w", projectID, err)
	}

	resolved, changed, err := c.resolveNode(ctx, projectID, "", doc)
	if err != nil {
		return nil, err
	}
	if !changed {
		return det.Clone(), nil
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode resolved detail for %s: %w", projectID, err)
	}
	return &models.Detail{ProjectID: det.ProjectID, Doc: data}, nil
}

// resolveNode recursively substitutes inline media below node. Map keys
// are visited in sorted order so field keys and upload order are
// deterministic.
func (c *Client) resolveNode(ctx context.Context, projectID, path string, node interface{}) (interface{}, bool, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		changed := false
		for _, k := range keys {
			child, ch, err := c.resolveNode(ctx, projectID, joinFieldKey(path, k), v[k])
			if err != nil {
				return nil, false, err
			}
			if ch {
				v[k] = child
				changed = true
			}
		}
		return v, changed, nil

	case []interface{}:
		changed := false
		for i, elem := range v {
			child, ch, err := c.resolveNode(ctx, projectID, joinFieldKey(path, strconv.Itoa(i)), elem)
			if err != nil {
				return nil, false, err
			}
			if ch {
				v[i] = child
				changed = true
			}
		}
		return v, changed, nil

	case string:
		if !models.IsInlineMedia(v) {
			return v, false, nil
		}
		ref, err := c.uploadInline(ctx, projectID, path, v)
		if err != nil {
			return nil, false, err
		}
		return ref, true, nil

	default:
		return node, false, nil
	}
}

// joinFieldKey builds the stable field key sent alongside each upload,
// e.g. buildingRoofs-0-birdView.
func joinFieldKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "-" + key
}

// uploadInline uploads one inline media field and returns the stable
// reference assigned by the backend. Uploads are rate-limited when a
// limiter is configured.
func (c *Client) uploadInline(ctx context.Context, projectID, fieldKey, dataURL string) (string, error) {
	if c.uploadLimiter != nil {
		if err := c.uploadLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("upload limiter: %w", err)
		}
	}

	content, mediaType, err := decodeDataURL(dataURL)
	if err != nil {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("field %s: %w", fieldKey, err)
	}

	body, contentType, err := buildUploadForm(projectID, fieldKey, mediaType, content)
	if err != nil {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", body)
	if err != nil {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("upload %s: %w", fieldKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", classifyResponse(resp, fmt.Sprintf("media upload failed for %s", fieldKey))
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("decode upload response for %s: %w", fieldKey, err)
	}
	if ur.URL == "" {
		metrics.MediaUploadsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("upload response for %s missing url", fieldKey)
	}

	metrics.MediaUploadsTotal.WithLabelValues("success").Inc()
	logging.Debug().Str("project", projectID).Str("field", fieldKey).Int("bytes", len(content)).Msg("Uploaded media field")
	return ur.URL, nil
}

// decodeDataURL splits a data: URI into its binary content and media type.
func decodeDataURL(dataURL string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(dataURL, models.InlineMediaPrefix), ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URL")
	}

	mediaType := meta
	if i := strings.Index(meta, ";"); i >= 0 {
		mediaType = meta[:i]
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	if strings.Contains(meta, "base64") {
		content, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode base64 content: %w", err)
		}
		return content, mediaType, nil
	}

	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode percent-encoded content: %w", err)
	}
	return []byte(text), mediaType, nil
}

// buildUploadForm assembles the multipart body the upload endpoint
// expects: the binary part plus projectId and fieldKey fields.
func buildUploadForm(projectID, fieldKey, mediaType string, content []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	ext := "bin"
	if i := strings.Index(mediaType, "/"); i >= 0 && i < len(mediaType)-1 {
		ext = mediaType[i+1:]
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="image.%s"`, ext))
	header.Set("Content-Type", mediaType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create upload part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", fmt.Errorf("write upload content: %w", err)
	}

	if err := w.WriteField("projectId", projectID); err != nil {
		return nil, "", fmt.Errorf("write projectId field: %w", err)
	}
	if err := w.WriteField("fieldKey", fieldKey); err != nil {
		return nil, "", fmt.Errorf("write fieldKey field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize upload form: %w", err)
	}

	return buf, w.FormDataContentType(), nil
}
