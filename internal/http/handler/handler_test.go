package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docstore/internal/index"
	"docstore/internal/model"
	"docstore/internal/service"
	serviceMocks "docstore/internal/service/mocks"
)

func TestHealth(t *testing.T) {
	db, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	app := fiber.New()
	app.Get("/health", Health(db))

	t.Run("healthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(errors.New("db error"))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	})

	t.Run("no database configured", func(t *testing.T) {
		memApp := fiber.New()
		memApp.Get("/health", Health(nil))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := memApp.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestHealthz(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", Healthz())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, _ := app.Test(req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListDocuments(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Get("/documents", ListDocuments(mockSvc))

	t.Run("success with prefix and limit", func(t *testing.T) {
		docs := []model.Document{{Key: "kb/a.md"}, {Key: "kb/b.md"}}
		mockSvc.On("ListDocuments", mock.Anything, "kb/", 10).Return(docs, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents?prefix=kb/&limit=10", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Documents []model.Document `json:"documents"`
			Count     int              `json:"count"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Len(t, body.Documents, 2)
		assert.Equal(t, 2, body.Count)
		mockSvc.AssertExpectations(t)
	})

	t.Run("by tag", func(t *testing.T) {
		docs := []model.Document{{Key: "k1"}}
		mockSvc.On("ListDocumentsByTag", mock.Anything, "reports").Return(docs, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents?tag=reports", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("invalid limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/documents?limit=abc", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "INVALID_LIMIT", body.Error.Code)
	})

	t.Run("service error", func(t *testing.T) {
		mockSvc.On("ListDocuments", mock.Anything, "", 0).Return(nil, errors.New("index down")).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	part.Write(content)
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func TestUploadDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Post("/documents/upload", UploadDocument(mockSvc))

	t.Run("success", func(t *testing.T) {
		body, ct := multipartUpload(t, "test.txt", []byte("hello world"), map[string]string{
			"aliases": "latest, v1",
			"tags":    "reports",
		})

		expectedDoc := &model.Document{Key: "generated-key", Metadata: model.DocumentMetadata{Filename: "test.txt"}}
		mockSvc.On("UploadFromStream", mock.Anything, mock.Anything, int64(11),
			mock.MatchedBy(func(f service.DocumentFields) bool {
				return f.Filename == "test.txt" &&
					assert.ObjectsAreEqual([]string{"latest", "v1"}, f.Aliases) &&
					len(f.Tags) == 1 && f.Tags[0].Name == "reports"
			})).Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/documents/upload", body)
		req.Header.Set("Content-Type", ct)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var result model.Document
		json.NewDecoder(resp.Body).Decode(&result)
		assert.Equal(t, expectedDoc.Key, result.Key)
		mockSvc.AssertExpectations(t)
	})

	t.Run("no file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/documents/upload", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "FILE_REQUIRED", res.Error.Code)
	})

	t.Run("duplicate key conflict", func(t *testing.T) {
		body, ct := multipartUpload(t, "test.txt", []byte("hello"), map[string]string{"key": "taken"})

		mockSvc.On("UploadFromStream", mock.Anything, mock.Anything, int64(5), mock.Anything).
			Return(nil, service.ErrKeyExists).Once()

		req := httptest.NewRequest(http.MethodPost, "/documents/upload", body)
		req.Header.Set("Content-Type", ct)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "KEY_EXISTS", res.Error.Code)
		mockSvc.AssertExpectations(t)
	})

	t.Run("alias conflict", func(t *testing.T) {
		body, ct := multipartUpload(t, "test.txt", []byte("hello"), map[string]string{"aliases": "taken"})

		mockSvc.On("UploadFromStream", mock.Anything, mock.Anything, int64(5), mock.Anything).
			Return(nil, service.ErrAliasExists).Once()

		req := httptest.NewRequest(http.MethodPost, "/documents/upload", body)
		req.Header.Set("Content-Type", ct)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "ALIAS_EXISTS", res.Error.Code)
		mockSvc.AssertExpectations(t)
	})

	t.Run("orphaned blob maps to bad gateway", func(t *testing.T) {
		body, ct := multipartUpload(t, "test.txt", []byte("hello"), nil)

		orphan := &service.OrphanedBlobError{
			StorageKey: "documents/k1",
			Cause:      errors.New("insert failed"),
			DeleteErr:  errors.New("delete failed"),
		}
		mockSvc.On("UploadFromStream", mock.Anything, mock.Anything, int64(5), mock.Anything).
			Return(nil, orphan).Once()

		req := httptest.NewRequest(http.MethodPost, "/documents/upload", body)
		req.Header.Set("Content-Type", ct)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "STORAGE_INCONSISTENT", res.Error.Code)
		mockSvc.AssertExpectations(t)
	})
}

func TestGetDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Get("/documents/:key", GetDocument(mockSvc))

	t.Run("success", func(t *testing.T) {
		expectedDoc := &model.Document{Key: "k1", Metadata: model.DocumentMetadata{Filename: "test.txt"}}
		mockSvc.On("GetDocument", mock.Anything, "k1").Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/k1", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result model.Document
		json.NewDecoder(resp.Body).Decode(&result)
		assert.Equal(t, "k1", result.Key)
		mockSvc.AssertExpectations(t)
	})

	t.Run("escaped key with slashes", func(t *testing.T) {
		expectedDoc := &model.Document{Key: "kb/docs/a.md"}
		mockSvc.On("GetDocument", mock.Anything, "kb/docs/a.md").Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/kb%2Fdocs%2Fa.md", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		mockSvc.On("GetDocument", mock.Anything, "missing").Return(nil, service.ErrNotFound).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/missing", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "NOT_FOUND", res.Error.Code)
		mockSvc.AssertExpectations(t)
	})
}

func TestGetDocumentByAlias(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Get("/documents/alias/:alias", GetDocumentByAlias(mockSvc))

	t.Run("success", func(t *testing.T) {
		expectedDoc := &model.Document{Key: "k1", Metadata: model.DocumentMetadata{Aliases: []string{"q3"}}}
		mockSvc.On("GetDocumentByAlias", mock.Anything, "q3").Return(expectedDoc, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/alias/q3", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		mockSvc.On("GetDocumentByAlias", mock.Anything, "nope").Return(nil, service.ErrNotFound).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/alias/nope", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})
}

func TestDownloadDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Get("/documents/:key/download", DownloadDocument(mockSvc))

	t.Run("success", func(t *testing.T) {
		doc := &model.Document{Key: "k1", Metadata: model.DocumentMetadata{Filename: "report.pdf", ContentType: "application/pdf"}}
		mockSvc.On("GetDocument", mock.Anything, "k1").Return(doc, nil).Once()
		mockSvc.On("GetContent", mock.Anything, "k1").Return([]byte("pdf-bytes"), nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/k1/download", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/pdf", resp.Header.Get(fiber.HeaderContentType))
		assert.Contains(t, resp.Header.Get(fiber.HeaderContentDisposition), "report.pdf")

		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		assert.Equal(t, "pdf-bytes", buf.String())
		mockSvc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		mockSvc.On("GetDocument", mock.Anything, "missing").Return(nil, service.ErrNotFound).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/missing/download", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})
}

func TestPresignDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Get("/documents/:key/presigned", PresignDocument(mockSvc))

	t.Run("default ttl", func(t *testing.T) {
		mockSvc.On("PresignedURL", mock.Anything, "k1", time.Hour).
			Return("https://storage.example/k1?sig=abc", nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/k1/presigned", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			URL       string `json:"url"`
			ExpiresIn int    `json:"expires_in"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		assert.NotEmpty(t, body.URL)
		assert.Equal(t, 3600, body.ExpiresIn)
		mockSvc.AssertExpectations(t)
	})

	t.Run("custom ttl", func(t *testing.T) {
		mockSvc.On("PresignedURL", mock.Anything, "k1", 2*time.Minute).
			Return("https://storage.example/k1?sig=abc", nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/k1/presigned?ttl=120", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("non-positive ttl rejected by service", func(t *testing.T) {
		mockSvc.On("PresignedURL", mock.Anything, "k1", time.Duration(0)).
			Return("", service.ErrInvalidTTL).Once()

		req := httptest.NewRequest(http.MethodGet, "/documents/k1/presigned?ttl=0", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "INVALID_TTL", res.Error.Code)
		mockSvc.AssertExpectations(t)
	})

	t.Run("malformed ttl", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/documents/k1/presigned?ttl=abc", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestPatchDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Patch("/documents/:key", PatchDocument(mockSvc))

	t.Run("success", func(t *testing.T) {
		desc := "updated"
		patched := &model.Document{Key: "k1", Metadata: model.DocumentMetadata{Description: desc}}
		mockSvc.On("UpdateMetadata", mock.Anything, "k1",
			mock.MatchedBy(func(p index.MetadataPatch) bool {
				return p.Description != nil && *p.Description == "updated" && p.Tags == nil
			})).Return(patched, nil).Once()

		body := bytes.NewBufferString(`{"description":"updated"}`)
		req := httptest.NewRequest(http.MethodPatch, "/documents/k1", body)
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("alias conflict", func(t *testing.T) {
		mockSvc.On("UpdateMetadata", mock.Anything, "k1", mock.Anything).
			Return(nil, service.ErrAliasExists).Once()

		body := bytes.NewBufferString(`{"aliases":["taken"]}`)
		req := httptest.NewRequest(http.MethodPatch, "/documents/k1", body)
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("invalid body", func(t *testing.T) {
		body := bytes.NewBufferString(`{not json`)
		req := httptest.NewRequest(http.MethodPatch, "/documents/k1", body)
		req.Header.Set("Content-Type", "application/json")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHeadDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Head("/documents/:key", HeadDocument(mockSvc))

	t.Run("exists", func(t *testing.T) {
		mockSvc.On("DocumentExists", mock.Anything, "k1").Return(true, nil).Once()

		req := httptest.NewRequest(http.MethodHead, "/documents/k1", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("missing", func(t *testing.T) {
		mockSvc.On("DocumentExists", mock.Anything, "nope").Return(false, nil).Once()

		req := httptest.NewRequest(http.MethodHead, "/documents/nope", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})
}

func TestDeleteDocument(t *testing.T) {
	mockSvc := new(serviceMocks.MockDocumentService)
	app := fiber.New()
	app.Delete("/documents/:key", DeleteDocument(mockSvc))

	t.Run("success", func(t *testing.T) {
		mockSvc.On("DeleteDocument", mock.Anything, "k1").Return(nil).Once()

		req := httptest.NewRequest(http.MethodDelete, "/documents/k1", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		mockSvc.On("DeleteDocument", mock.Anything, "missing").Return(service.ErrNotFound).Once()

		req := httptest.NewRequest(http.MethodDelete, "/documents/missing", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})

	t.Run("storage error", func(t *testing.T) {
		mockSvc.On("DeleteDocument", mock.Anything, "k1").Return(errors.New("delete failed")).Once()

		req := httptest.NewRequest(http.MethodDelete, "/documents/k1", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})
}

func TestRouting(t *testing.T) {
	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler(),
	})

	mockSvc := new(serviceMocks.MockDocumentService)
	RegisterRoutes(app, nil, mockSvc)

	t.Run("not found route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/non-existent", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "NOT_FOUND", res.Error.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "METHOD_NOT_ALLOWED", res.Error.Code)
	})
}
