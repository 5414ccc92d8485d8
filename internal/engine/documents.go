package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/storage"
	"docaudit-backend/internal/store"
)

// DocumentHandler serves document uploads and their stored content.
type DocumentHandler struct {
	store    *store.Store
	registry *metadata.Registry
	writer   *Writer
	storage  storage.FileStorage
	maxSize  int64
	now      func() time.Time
}

func NewDocumentHandler(s *store.Store, reg *metadata.Registry, w *Writer, fs storage.FileStorage, maxSize int64) *DocumentHandler {
	return &DocumentHandler{store: s, registry: reg, writer: w, storage: fs, maxSize: maxSize, now: time.Now}
}

// Upload handles POST /api/documents/upload (multipart: project_id, file,
// optional doc_type and fields).
func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	user := getUser(c)
	if err := RequirePermission(user, access.UploadDocuments); err != nil {
		return err
	}

	body := map[string]any{"project_id": c.FormValue("project_id")}
	if docType := c.FormValue("doc_type"); docType != "" {
		body["doc_type"] = docType
	}
	if raw := c.FormValue("fields"); raw != "" {
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return InvalidPayloadError("fields must be a JSON object")
		}
		body["fields"] = fields
	}

	documents := h.registry.GetEntity(metadata.EntityDocuments)
	plan, validationErrs := PlanWrite(documents, body, nil)
	if len(validationErrs) > 0 {
		return ValidationError(validationErrs)
	}

	projectID := plan.Fields["project_id"]
	if _, err := fetchRecord(c.Context(), h.store.DB, h.store.Dialect, h.registry.GetEntity(metadata.EntityProjects), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ValidationError([]ErrorDetail{{Field: "project_id", Rule: "exists", Message: "Project not found"}})
		}
		return fmt.Errorf("load project: %w", err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return InvalidPayloadError("Missing file in form data")
	}
	if file.Size > h.maxSize {
		msg := fmt.Sprintf("File too large: %d bytes (max %d)", file.Size, h.maxSize)
		return NewAppError("FILE_TOO_LARGE", fiber.StatusRequestEntityTooLarge, msg)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	filename := safeFilename(file.Filename)
	contentType := file.Header.Get(fiber.HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := path.Join("documents", fmt.Sprint(projectID), uuid.NewString(), filename)
	hasher := xxhash.New()
	size, err := h.storage.Save(c.Context(), key, io.TeeReader(src, hasher))
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}

	plan.Fields["filename"] = filename
	plan.Fields["content_type"] = contentType
	plan.Fields["size"] = size
	plan.Fields["fingerprint"] = fmt.Sprintf("%016x", hasher.Sum64())
	plan.Fields["storage_key"] = key

	record, err := h.writer.Execute(c.Context(), plan, TransitionContext{Actor: user, Now: h.now()})
	if err != nil {
		// Clean up stored file on DB failure
		_ = h.storage.Delete(c.Context(), key)
		return writeError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Content handles GET /api/documents/:id/content. The ETag is the content
// fingerprint, so a matching If-None-Match yields 304.
func (h *DocumentHandler) Content(c *fiber.Ctx) error {
	if err := RequirePermission(getUser(c), access.ReadDocuments); err != nil {
		return err
	}

	id := c.Params("id")
	doc, err := fetchRecord(c.Context(), h.store.DB, h.store.Dialect, h.registry.GetEntity(metadata.EntityDocuments), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(metadata.EntityDocuments, id)
		}
		return fmt.Errorf("get document %s: %w", id, err)
	}

	etag := `"` + str(doc["fingerprint"]) + `"`
	c.Set(fiber.HeaderETag, etag)
	if etagMatches(c.Get(fiber.HeaderIfNoneMatch), etag) {
		return c.SendStatus(fiber.StatusNotModified)
	}

	rc, err := h.storage.Open(c.Context(), str(doc["storage_key"]))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewAppError("CONTENT_MISSING", fiber.StatusNotFound, "Document content is no longer stored")
		}
		return fmt.Errorf("open document %s: %w", id, err)
	}

	c.Set(fiber.HeaderContentType, str(doc["content_type"]))
	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": str(doc["filename"])}))
	size := -1
	if n, ok := toFloat64(doc["size"]); ok {
		size = int(n)
	}
	return c.SendStream(rc, size)
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// safeFilename keeps the base name of an uploaded file.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
