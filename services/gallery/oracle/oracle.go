// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle looks up public social posts for claim verification.
// The claim flow proves human ownership of an agent by checking that
// the human posted the agent's verification code publicly; this
// package is the only part of the service that talks to the outside
// world.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

// Post is one fetched public post.
type Post struct {
	ID             string
	Text           string
	AuthorID       string
	AuthorUsername string
	CreatedAt      time.Time
}

// PostOracle fetches a post by id. Implementations must be safe for
// concurrent use. Tests substitute a canned oracle.
type PostOracle interface {
	FetchPost(ctx context.Context, id string) (*Post, error)
}

var (
	// ErrInvalidPostURL rejects URLs that are not status links on a
	// supported host.
	ErrInvalidPostURL = errors.New("invalid post URL")

	// ErrPostNotFound means the platform has no such post (deleted,
	// private, or never existed).
	ErrPostNotFound = errors.New("post not found")

	// ErrUnavailable means the platform could not be reached or
	// answered malformed data. Callers should retry later.
	ErrUnavailable = errors.New("post lookup unavailable")
)

var statusPathRe = regexp.MustCompile(`/status/(\d+)`)

// allowed post hosts.
var postHosts = map[string]bool{
	"x.com":           true,
	"twitter.com":     true,
	"www.x.com":       true,
	"www.twitter.com": true,
}

// ExtractPostID pulls the numeric status id out of a post URL,
// accepting only the supported hosts.
func ExtractPostID(postURL string) (string, error) {
	u, err := url.Parse(postURL)
	if err != nil || !postHosts[u.Hostname()] {
		return "", fmt.Errorf("%w: %q", ErrInvalidPostURL, postURL)
	}
	m := statusPathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return "", fmt.Errorf("%w: %q has no status id", ErrInvalidPostURL, postURL)
	}
	return m[1], nil
}

// XClient is the production oracle over the X API v2 tweet lookup.
type XClient struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
}

// NewXClient creates an oracle using the given bearer token. baseURL
// overrides the API endpoint for tests; empty means the real API.
func NewXClient(bearer, baseURL string) *XClient {
	if baseURL == "" {
		baseURL = "https://api.x.com/2"
	}
	return &XClient{
		baseURL: baseURL,
		bearer:  bearer,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// tweetLookupResponse mirrors the slice of the X API v2 response the
// claim flow needs.
type tweetLookupResponse struct {
	Data *struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		AuthorID  string `json:"author_id"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
}

// FetchPost looks up one tweet with author expansion.
func (c *XClient) FetchPost(ctx context.Context, id string) (*Post, error) {
	if c.bearer == "" {
		return nil, fmt.Errorf("%w: no bearer token configured", ErrUnavailable)
	}

	endpoint := fmt.Sprintf("%s/tweets/%s?expansions=author_id&tweet.fields=created_at&user.fields=username",
		c.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: id %s", ErrPostNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var decoded tweetLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if decoded.Data == nil || decoded.Data.ID == "" {
		// The API reports deleted/protected tweets as 200 with an
		// errors array and no data object.
		return nil, fmt.Errorf("%w: id %s", ErrPostNotFound, id)
	}

	post := &Post{
		ID:       decoded.Data.ID,
		Text:     decoded.Data.Text,
		AuthorID: decoded.Data.AuthorID,
	}
	if decoded.Data.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, decoded.Data.CreatedAt); err == nil {
			post.CreatedAt = t
		}
	}
	for _, u := range decoded.Includes.Users {
		if u.ID == decoded.Data.AuthorID {
			post.AuthorUsername = u.Username
			break
		}
	}
	return post, nil
}
