// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/mod/semver"
)

// GenericReleaseSummary is shown when release metadata cannot be fetched or
// is unusable. The update flow never blocks on metadata.
const GenericReleaseSummary = "A new version is ready."

const maxReleaseHighlights = 6

// fetchReleaseJSON performs the raw metadata request. Package-level so tests
// can stub the network.
var fetchReleaseJSON = func(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64*1024))
}

// FetchReleaseMetadata fetches and decodes the release descriptor.
func FetchReleaseMetadata(ctx context.Context, client *http.Client, url string) (ReleaseMetadata, error) {
	if client == nil {
		client = http.DefaultClient
	}
	raw, err := fetchReleaseJSON(ctx, client, url)
	if err != nil {
		return ReleaseMetadata{}, err
	}
	var meta ReleaseMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ReleaseMetadata{}, fmt.Errorf("decode release metadata: %w", err)
	}
	if len(meta.Highlights) > maxReleaseHighlights {
		meta.Highlights = meta.Highlights[:maxReleaseHighlights]
	}
	return meta, nil
}

// ResolveReleaseMetadata always returns a usable descriptor for the waiting
// build. Fetch or decode failures degrade to the generic summary, as does
// metadata describing a release no newer than the running one (a stale CDN
// copy must not be shown for a build we know is new).
func ResolveReleaseMetadata(ctx context.Context, client *http.Client, url, runningRelease, waitingBuildID string, logger *slog.Logger) ReleaseMetadata {
	fallback := ReleaseMetadata{BuildID: waitingBuildID, Summary: GenericReleaseSummary}
	if url == "" {
		return fallback
	}
	meta, err := FetchReleaseMetadata(ctx, client, url)
	if err != nil {
		logger.Debug("release metadata unavailable, using generic summary", "error", err)
		return fallback
	}
	if releaseIsStale(meta.ReleaseName, runningRelease) {
		logger.Debug("release metadata is stale, using generic summary",
			"fetched", meta.ReleaseName, "running", runningRelease)
		return fallback
	}
	if meta.BuildID == "" {
		meta.BuildID = waitingBuildID
	}
	if meta.Summary == "" {
		meta.Summary = GenericReleaseSummary
	}
	return meta
}

// releaseIsStale compares semver-shaped release names; anything not
// comparable is assumed fresh.
func releaseIsStale(fetched, running string) bool {
	f := normalizeSemver(fetched)
	r := normalizeSemver(running)
	if !semver.IsValid(f) || !semver.IsValid(r) {
		return false
	}
	return semver.Compare(f, r) <= 0
}

func normalizeSemver(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
