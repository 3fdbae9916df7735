// Package storage selects the raw page archive backend and names archived
// objects.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/storage/gcs"
	"github.com/JakeFAU/searchcrawler/internal/storage/local"
	"github.com/JakeFAU/searchcrawler/internal/storage/memory"
	"github.com/JakeFAU/searchcrawler/internal/urlnorm"
)

// OpenArchive builds the BlobStore named by uri. An empty uri disables
// archiving and returns a nil store. The returned close func is never nil.
func OpenArchive(ctx context.Context, uri string) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch {
	case uri == "":
		return nil, noop, nil
	case uri == "internal":
		return memory.NewBlobStore(), noop, nil
	case strings.HasPrefix(uri, "gs://"):
		cfg, err := gcs.ParseURI(uri)
		if err != nil {
			return nil, noop, err
		}
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, cfg)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	case strings.HasPrefix(uri, "file://"):
		cfg, err := local.ParseURI(uri)
		if err != nil {
			return nil, noop, err
		}
		store, err := local.New(cfg)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported archive uri %q", uri)
	}
}

// ArchivePath names the object for one fetched body:
// <domain>/<yyyy>/<mm>/<dd>/<session>/<urlhash>.<ext>.
func ArchivePath(pageURL, sessionID, mediaType string, at time.Time) string {
	domain := urlnorm.Domain(pageURL)
	if domain == "" {
		domain = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s/%016x.%s",
		domain, at.UTC().Format("2006/01/02"), sessionID, xxhash.Sum64String(pageURL), extension(mediaType))
}

func extension(mediaType string) string {
	switch crawler.MediaType(mediaType) {
	case "text/html", "application/xhtml+xml":
		return "html"
	case "text/plain":
		return "txt"
	case "application/json":
		return "json"
	case "application/pdf":
		return "pdf"
	default:
		return "bin"
	}
}
