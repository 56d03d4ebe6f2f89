package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jholhewres/wagate/pkg/wagate/mediacache"
	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

const (
	mediaDownloadTimeout = 30 * time.Second
	mediaMaxBytes        = 64 << 20
)

// mediaFetcher resolves media references: inline data URLs are decoded,
// http(s) URLs are downloaded through the cache.
type mediaFetcher struct {
	logger *slog.Logger
	cache  *mediacache.Cache
	client *http.Client
}

func newMediaFetcher(cache *mediacache.Cache, logger *slog.Logger) *mediaFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &mediaFetcher{
		logger: logger.With("component", "media"),
		cache:  cache,
		client: &http.Client{},
	}
}

func (f *mediaFetcher) Fetch(ctx context.Context, ref string) (mediacache.Item, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.download(ctx, ref)
	default:
		return mediacache.Item{}, session.NewError(session.KindUnsupportedMedia,
			"media reference must be a data: or http(s) URL")
	}
}

// decodeDataURL parses data:<mime>;base64,<payload>.
func decodeDataURL(ref string) (mediacache.Item, error) {
	rest := strings.TrimPrefix(ref, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return mediacache.Item{}, session.NewError(session.KindUnsupportedMedia, "malformed data URL")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return mediacache.Item{}, session.NewError(session.KindUnsupportedMedia, "data URL must be base64 encoded")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return mediacache.Item{}, session.WrapError(session.KindUnsupportedMedia, "invalid base64 payload", err)
	}
	return mediacache.Item{Data: data, MimeType: mime}, nil
}

func (f *mediaFetcher) download(ctx context.Context, rawURL string) (mediacache.Item, error) {
	if f.cache != nil {
		if item, ok := f.cache.Get(rawURL); ok {
			f.logger.Debug("media served from cache", slog.String("url", rawURL))
			return item, nil
		}
	}

	dlCtx, cancel := context.WithTimeout(ctx, mediaDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return mediacache.Item{}, session.WrapError(session.KindUnsupportedMedia, "invalid media URL", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || dlCtx.Err() == context.DeadlineExceeded {
			return mediacache.Item{}, session.WrapError(session.KindMediaTimeout, "media download timed out", err)
		}
		return mediacache.Item{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mediacache.Item{}, session.NewError(session.KindUnsupportedMedia,
			fmt.Sprintf("media URL returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		if dlCtx.Err() == context.DeadlineExceeded {
			return mediacache.Item{}, session.WrapError(session.KindMediaTimeout, "media download timed out", err)
		}
		return mediacache.Item{}, fmt.Errorf("read media body: %w", err)
	}
	if len(data) > mediaMaxBytes {
		return mediacache.Item{}, session.NewError(session.KindUnsupportedMedia, "media exceeds size limit")
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	item := mediacache.Item{
		Data:     data,
		MimeType: mime,
		Filename: filenameFromURL(rawURL),
	}
	if f.cache != nil {
		f.cache.Put(rawURL, item)
	}
	return item, nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// kindForMime classifies a mime type into the message kind used on the
// wire. Unknown types ship as documents.
func kindForMime(mime string) (waclient.MessageKind, error) {
	switch {
	case mime == "image/webp":
		return waclient.MessageSticker, nil
	case strings.HasPrefix(mime, "image/"):
		return waclient.MessageImage, nil
	case strings.HasPrefix(mime, "video/"):
		return waclient.MessageVideo, nil
	case strings.HasPrefix(mime, "audio/"):
		return waclient.MessageAudio, nil
	case mime == "":
		return "", session.NewError(session.KindUnsupportedMedia, "missing media type")
	default:
		return waclient.MessageDocument, nil
	}
}
