package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
)

// UploadFile is a spreadsheet selected for upload.
type UploadFile struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// Upload sends a file to the backend as multipart form data. onProgress, if
// non-nil, receives the percentage of the request body sent so far, rounded
// to the nearest integer. Reported values never decrease and end at 100 on
// success.
func (c *Client) Upload(ctx context.Context, sessionID string, f UploadFile, onProgress func(int)) (UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("session_id", sessionID); err != nil {
		return UploadResponse{}, fmt.Errorf("writing session_id field: %w", err)
	}

	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(f.Name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(part, f.Data); err != nil {
		return UploadResponse{}, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	if err := mw.Close(); err != nil {
		return UploadResponse{}, fmt.Errorf("closing multipart body: %w", err)
	}

	total := int64(buf.Len())
	pr := &progressReader{r: &buf, total: total, onProgress: onProgress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", pr)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, data, err := c.send("upload", req)
	if err != nil {
		return UploadResponse{}, err
	}

	var result UploadResponse
	if err := decodeBody("upload", resp.StatusCode, data, &result); err != nil {
		return UploadResponse{}, err
	}
	if result.Filename == "" {
		result.Filename = f.Name
	}
	pr.finish()
	return result, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// progressReader reports how much of a request body has been consumed.
// The transport may read from its own goroutine, so state is guarded.
type progressReader struct {
	r          io.Reader
	total      int64
	onProgress func(int)

	mu   sync.Mutex
	sent int64
	last int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.advance(int64(n))
	}
	return n, err
}

func (p *progressReader) advance(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sent += n
	if p.total <= 0 || p.onProgress == nil {
		return
	}
	pct := int(math.Round(float64(p.sent) * 100 / float64(p.total)))
	if pct > 100 {
		pct = 100
	}
	if pct > p.last {
		p.last = pct
		p.onProgress(pct)
	}
}

func (p *progressReader) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.onProgress != nil && p.last < 100 {
		p.last = 100
		p.onProgress(100)
	}
}
