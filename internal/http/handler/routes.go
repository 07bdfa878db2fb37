package handler

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"docstore/internal/index"
	"docstore/internal/model"
	"docstore/internal/service"
)

// RegisterRoutes attaches HTTP routes to the provided Fiber app. db may be
// nil when the index runs in memory; the health check then skips the ping.
func RegisterRoutes(app *fiber.App, db *sql.DB, svc service.DocumentService) {
	app.Get("/health", Health(db))
	app.Get("/healthz", Healthz())

	app.Post("/documents/upload", UploadDocument(svc))
	app.Get("/documents", ListDocuments(svc))
	app.Get("/documents/alias/:alias", GetDocumentByAlias(svc))
	app.Get("/documents/:key", GetDocument(svc))
	app.Get("/documents/:key/download", DownloadDocument(svc))
	app.Get("/documents/:key/presigned", PresignDocument(svc))
	app.Patch("/documents/:key", PatchDocument(svc))
	app.Head("/documents/:key", HeadDocument(svc))
	app.Delete("/documents/:key", DeleteDocument(svc))
}

// paramKey returns the :key path parameter. Document keys may contain
// slashes, so clients escape them and we unescape here.
func paramKey(c *fiber.Ctx) string {
	key, err := url.PathUnescape(c.Params("key"))
	if err != nil {
		return c.Params("key")
	}
	return key
}

// Health checks dependency connectivity.
func Health(db *sql.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// Healthz is a plain liveness probe.
func Healthz() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UploadDocument accepts a multipart upload (field name: file) plus optional
// form fields key, description, aliases and tags (comma-separated).
func UploadDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "file is required")
		}

		f, err := fh.Open()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
		}
		defer f.Close()

		ct := fh.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}

		fields := service.DocumentFields{
			Key:         c.FormValue("key"),
			Filename:    fh.Filename,
			ContentType: ct,
			Description: c.FormValue("description"),
			Aliases:     splitCSV(c.FormValue("aliases")),
		}
		for _, name := range splitCSV(c.FormValue("tags")) {
			fields.Tags = append(fields.Tags, model.Tag{Name: name})
		}

		doc, err := svc.UploadFromStream(c.UserContext(), f, fh.Size, fields)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(doc)
	}
}

// ListDocuments lists by key prefix, or by tag when ?tag= is set.
func ListDocuments(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tag := c.Query("tag"); tag != "" {
			docs, err := svc.ListDocumentsByTag(c.UserContext(), tag)
			if err != nil {
				return writeServiceError(c, err)
			}
			return c.JSON(fiber.Map{"documents": docs, "count": len(docs)})
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
			}
			limit = n
		}

		docs, err := svc.ListDocuments(c.UserContext(), c.Query("prefix"), limit)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(fiber.Map{"documents": docs, "count": len(docs)})
	}
}

// GetDocument returns document metadata by key.
func GetDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := svc.GetDocument(c.UserContext(), paramKey(c))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// GetDocumentByAlias returns document metadata by alias.
func GetDocumentByAlias(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := svc.GetDocumentByAlias(c.UserContext(), c.Params("alias"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// DownloadDocument streams the blob back as an attachment.
func DownloadDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := paramKey(c)
		doc, err := svc.GetDocument(c.UserContext(), key)
		if err != nil {
			return writeServiceError(c, err)
		}
		content, err := svc.GetContent(c.UserContext(), key)
		if err != nil {
			return writeServiceError(c, err)
		}
		if doc.Metadata.ContentType != "" {
			c.Set(fiber.HeaderContentType, doc.Metadata.ContentType)
		}
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", doc.Metadata.Filename))
		return c.Send(content)
	}
}

// PresignDocument returns a time-limited download URL. TTL comes from the
// ?ttl= query in seconds and defaults to one hour.
func PresignDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ttlSec := 3600
		if raw := c.Query("ttl"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return writeError(c, fiber.StatusBadRequest, "INVALID_TTL", "invalid ttl")
			}
			ttlSec = n
		}

		link, err := svc.PresignedURL(c.UserContext(), paramKey(c), time.Duration(ttlSec)*time.Second)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(fiber.Map{"url": link, "expires_in": ttlSec})
	}
}

type patchRequest struct {
	Description  *string        `json:"description"`
	Tags         []model.Tag    `json:"tags"`
	CustomFields map[string]any `json:"custom_fields"`
	Aliases      []string       `json:"aliases"`
}

// PatchDocument applies a partial metadata update. Absent fields are left
// unchanged; present fields replace the stored value wholesale.
func PatchDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req patchRequest
		if err := c.BodyParser(&req); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}

		doc, err := svc.UpdateMetadata(c.UserContext(), paramKey(c), index.MetadataPatch{
			Description:  req.Description,
			Tags:         req.Tags,
			CustomFields: req.CustomFields,
			Aliases:      req.Aliases,
		})
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(doc)
	}
}

// HeadDocument reports existence without a body.
func HeadDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, err := svc.DocumentExists(c.UserContext(), paramKey(c))
		if err != nil {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if !ok {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.SendStatus(fiber.StatusOK)
	}
}

// DeleteDocument removes the blob and the index entry.
func DeleteDocument(svc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := svc.DeleteDocument(c.UserContext(), paramKey(c)); err != nil {
			return writeServiceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
