package effects

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultMime is used when a payload names no MIME type.
const DefaultMime = "application/octet-stream"

// ErrNoDownload is returned for a download payload without url, base64 or
// content.
var ErrNoDownload = errors.New("download payload has no url, base64 or content")

// DownloadPayload is one of three shapes:
//   - {url, filename?, forceFetch?}
//   - {base64, mime?, filename?}
//   - {content, mime?, filename?}
type DownloadPayload struct {
	URL        *string         `json:"url,omitempty"`
	ForceFetch bool            `json:"forceFetch,omitempty"`
	Base64     *string         `json:"base64,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Mime       string          `json:"mime,omitempty"`
	Filename   string          `json:"filename,omitempty"`
}

// URLDownload is the payload of a plain link.
func URLDownload(rawURL string) DownloadPayload {
	return DownloadPayload{URL: &rawURL}
}

// Download delivers p through the Saver. A forced fetch that fails falls
// back to the direct link.
func (d *Dispatcher) Download(ctx context.Context, p DownloadPayload) error {
	if d.Saver == nil {
		return nil
	}
	d.Metrics.RecordEffect("download")

	mime := p.Mime
	if mime == "" {
		mime = DefaultMime
	}

	switch {
	case p.URL != nil:
		filename := GuessFilename(p.Filename, *p.URL, d.now())
		if p.ForceFetch {
			data, fetchedMime, err := d.fetch(ctx, *p.URL)
			if err == nil {
				if p.Mime != "" || fetchedMime == "" {
					fetchedMime = mime
				}
				return d.Saver.SaveBytes(ctx, data, fetchedMime, filename)
			}
			d.log().Warn("download fetch failed, using direct link",
				slog.String("url", *p.URL), slog.Any("error", err))
		}
		return d.Saver.SaveURL(ctx, *p.URL, filename)

	case p.Base64 != nil:
		data, err := base64.StdEncoding.DecodeString(*p.Base64)
		if err != nil {
			return fmt.Errorf("decode base64 download: %w", err)
		}
		return d.Saver.SaveBytes(ctx, data, mime, GuessFilename(p.Filename, "", d.now()))

	case p.Content != nil:
		return d.Saver.SaveBytes(ctx, contentBytes(p.Content), mime, GuessFilename(p.Filename, "", d.now()))
	}
	return ErrNoDownload
}

func (d *Dispatcher) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// contentBytes returns a JSON string unquoted and any other value as its
// JSON text.
func contentBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

// GuessFilename prefers explicit, then the last path segment of rawURL
// (decoded, without query or fragment), then download-<unix ms>.
func GuessFilename(explicit, rawURL string, now time.Time) string {
	if explicit != "" {
		return explicit
	}
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil {
			segments := strings.Split(u.Path, "/")
			for i := len(segments) - 1; i >= 0; i-- {
				if segments[i] != "" {
					return segments[i]
				}
			}
		}
	}
	return "download-" + strconv.FormatInt(now.UnixMilli(), 10)
}
