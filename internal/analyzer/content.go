package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/example/dispensary/internal/apperror"
	"github.com/example/dispensary/internal/domain/dispense"
)

// ContentAnalyzer inspects a prescription artifact.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, obj Object) (dispense.AnalysisResult, error)
}

// sniffLen is how much of the body content type detection looks at.
const sniffLen = 512

// MetadataAnalyzer reports size, sniffed content type and sha256 of the
// artifact. It streams the body once.
type MetadataAnalyzer struct {
	now func() time.Time
}

func NewMetadataAnalyzer() *MetadataAnalyzer {
	return &MetadataAnalyzer{now: func() time.Time { return time.Now().UTC() }}
}

func (a *MetadataAnalyzer) Analyze(ctx context.Context, obj Object) (dispense.AnalysisResult, error) {
	if obj.Body == nil {
		return dispense.AnalysisResult{}, apperror.Permanent(nil, "object %s has no body", obj.Key)
	}
	hash := sha256.New()
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(obj.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return dispense.AnalysisResult{}, apperror.Transient(err, "read object %s", obj.Key)
	}
	head = head[:n]
	hash.Write(head)
	rest, err := io.Copy(hash, readerWithContext{ctx: ctx, r: obj.Body})
	if err != nil {
		return dispense.AnalysisResult{}, apperror.Transient(err, "read object %s", obj.Key)
	}

	contentType := http.DetectContentType(head)
	if contentType == "application/octet-stream" && obj.ContentType != "" {
		contentType = obj.ContentType
	}
	return dispense.AnalysisResult{
		FileKey:     obj.Key,
		FileSize:    int64(n) + rest,
		ContentType: contentType,
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		AnalyzedAt:  a.now(),
	}, nil
}

// readerWithContext stops a long copy once ctx is done.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
