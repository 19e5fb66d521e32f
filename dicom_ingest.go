package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/coneno/logger"
	"github.com/gin-gonic/gin"

	"radplanbio-rest/ingest"
)

// Ingester runs one upload job to a terminal result.
type Ingester interface {
	Run(ctx context.Context, job ingest.Job) ingest.Result
}

// writeToken acknowledges an upload with the msgpack result token.
func writeToken(c *gin.Context, r ingest.Result) {
	token, err := ingest.EncodeToken(r)
	if err != nil {
		writeError(c, "writeToken", err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", token)
}

// UploadDicomDataHandler receives one DICOM file bundle and pushes it through
// the ingest pipeline towards the PACS of the uploader's site. Logical
// failures are reported in the token, not in the status code.
func (h *Handlers) UploadDicomDataHandler(c *gin.Context) {
	acc := accountFrom(c)
	body := c.Request.Body
	if limit := h.Cfg.UploadMaxBytes; limit > 0 {
		if c.Request.ContentLength > limit {
			logger.Warning.Printf("UploadDicomDataHandler: declared %d bytes, limit %d", c.Request.ContentLength, limit)
			writeToken(c, ingest.ResultDataLength)
			return
		}
		body = http.MaxBytesReader(c.Writer, body, limit)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warning.Printf("UploadDicomDataHandler: body exceeds %d bytes", tooLarge.Limit)
		} else {
			logger.Error.Printf("UploadDicomDataHandler: read body: %v", err)
		}
		writeToken(c, ingest.ResultDataLength)
		return
	}

	result := h.Ingest.Run(c.Request.Context(), ingest.Job{
		ArchiveURL: acc.PartnerSite.PacsBaseURL(),
		Declared:   c.Request.ContentLength,
		Payload:    payload,
	})
	logger.Info.Printf("UploadDicomDataHandler: %s upload by %s", result, acc.Username)
	writeToken(c, result)
}
