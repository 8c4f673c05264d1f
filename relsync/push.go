// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package relsync

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Push notification fallbacks applied field by field; a push payload is
// external input and never trusted.
const (
	DefaultNotificationTitle = "Finance OS"
	DefaultNotificationBody  = "Open the dashboard for details."
	DefaultNotificationRoute = "/"
	DefaultNotificationTag   = "finance-os"
)

const maxRawBodyLen = 140

// Notification is a display request derived from a push payload. Route is
// always set so a later click can navigate without re-deriving state; Data
// carries the unrecognized payload fields through to the notification.
type Notification struct {
	Title string                     `json:"title"`
	Body  string                     `json:"body"`
	Route string                     `json:"route"`
	Tag   string                     `json:"tag"`
	Data  map[string]json.RawMessage `json:"data,omitempty"`
}

// ParsePushPayload turns a raw push body into a Notification. Malformed JSON
// falls back to a plain-text body cut from the raw payload; missing fields
// take the fixed defaults.
func ParsePushPayload(raw []byte) Notification {
	n := Notification{
		Title: DefaultNotificationTitle,
		Body:  DefaultNotificationBody,
		Route: DefaultNotificationRoute,
		Tag:   DefaultNotificationTag,
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		if text := strings.TrimSpace(string(raw)); text != "" && utf8.ValidString(text) {
			n.Body = truncate(text, maxRawBodyLen)
		}
		return n
	}

	n.Title = stringField(fields, "title", n.Title)
	n.Body = stringField(fields, "body", n.Body)
	n.Tag = stringField(fields, "tag", n.Tag)
	if route := stringField(fields, "route", ""); strings.HasPrefix(route, "/") {
		n.Route = route
	}

	delete(fields, "title")
	delete(fields, "body")
	delete(fields, "tag")
	delete(fields, "route")
	if len(fields) > 0 {
		n.Data = fields
	}
	return n
}

func stringField(fields map[string]json.RawMessage, key, fallback string) string {
	raw, ok := fields[key]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return fallback
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// WindowRef describes one open window from the worker's point of view.
type WindowRef struct {
	ID     string
	Origin string
}

// ClickTarget is the routing decision for a notification click: focus an
// existing window and send it the route, or open a fresh one.
type ClickTarget struct {
	FocusWindowID string
	OpenURL       string
	Route         string
}

// ResolveClickTarget picks the window to receive a notification click. The
// first open window on the notification's origin is focused and navigated via
// a NOTIFICATION_CLICK message; with no match a new window is opened at the
// target URL. One single-page app window is enough.
func ResolveClickTarget(windows []WindowRef, origin, route string) ClickTarget {
	if !strings.HasPrefix(route, "/") {
		route = DefaultNotificationRoute
	}
	for _, w := range windows {
		if w.Origin == origin {
			return ClickTarget{FocusWindowID: w.ID, Route: route}
		}
	}
	return ClickTarget{OpenURL: strings.TrimSuffix(origin, "/") + route, Route: route}
}
