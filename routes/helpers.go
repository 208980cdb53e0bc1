package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
)

// pageFromQuery reads ?page and ?page_size (limit is accepted as an alias).
func pageFromQuery(c *gin.Context) models.Page {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.Query("page_size"))
	if size == 0 {
		size, _ = strconv.Atoi(c.Query("limit"))
	}
	return models.Page{Page: page, PageSize: size}.Normalize()
}

func sourceTypesFromQuery(c *gin.Context) ([]models.SourceType, error) {
	raw := c.Query("source_type")
	if raw == "" {
		return nil, nil
	}
	var out []models.SourceType
	for _, part := range strings.Split(raw, ",") {
		t := models.SourceType(strings.TrimSpace(part))
		if !t.Valid() {
			return nil, apperr.Validation(fmt.Sprintf("unknown source type %q", t))
		}
		out = append(out, t)
	}
	return out, nil
}

func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// readUpload pulls the multipart "file" field into an IngestRequest. The
// size and extension checks run on the header before the body is read.
func readUpload(c *gin.Context, ingest *services.IngestionService) (services.IngestRequest, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return services.IngestRequest{}, apperr.Validation("file is required")
	}
	if err := ingest.Validate(header.Filename, header.Size); err != nil {
		return services.IngestRequest{}, err
	}

	f, err := header.Open()
	if err != nil {
		return services.IngestRequest{}, apperr.Validation("uploaded file could not be read")
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return services.IngestRequest{}, apperr.Validation("uploaded file could not be read")
	}

	req := services.IngestRequest{
		OwnerID:     middleware.GetUserID(c),
		RequestID:   middleware.GetRequestID(c),
		Filename:    header.Filename,
		MimeType:    header.Header.Get("Content-Type"),
		Content:     content,
		Title:       c.PostForm("title"),
		Category:    c.PostForm("category"),
		SourceType:  models.SourceType(c.PostForm("source_type")),
		Visibility:  models.Visibility(c.PostForm("visibility")),
		DocumentKey: c.PostForm("document_key"),
		Tags:        splitTags(c.PostForm("tags")),
	}
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
			return services.IngestRequest{}, apperr.Validation("metadata must be a JSON object of strings")
		}
	}
	return req, nil
}

// uploadResponse is the document view plus whether the upload matched the
// active version.
type uploadResponse struct {
	*models.DocumentView
	Duplicate bool `json:"duplicate"`
}

type listResponse struct {
	Documents []*models.DocumentView `json:"documents"`
	Total     int64                  `json:"total"`
	Page      int                    `json:"page"`
	PageSize  int                    `json:"page_size"`
}
