/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestFileServerServesExistingFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "hello.txt", "hello world")

	r := New("/")
	r.FileServer("/static", dir)

	res, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static/hello.txt"}).Response()
	require.True(t, matched)
	assert.Equal(t, StatusOK, res.StatusCode)
	body, _ := readAll(res.Body)
	assert.Equal(t, "hello world", body)
}

func TestFileServerFallsThroughForMissingFile(t *testing.T) {
	dir := t.TempDir()
	r := New("/")
	r.FileServer("/static", dir)

	_, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static/nope.txt"}).Response()
	assert.False(t, matched)
}

func TestFileServerNeverServesTraversal(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "public")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeTestFile(t, dir, "secret.txt", "do not serve")

	r := New("/")
	r.FileServer("/static", sub)

	// A traversal like "/../etc/passwd" against a mounted file server must
	// be rejected or fall through, never served. Here the
	// normalized path resolves outside the /static mount entirely, so the
	// request falls through to the router's default 404 rather than ever
	// reaching the filesystem.
	_, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static/../secret.txt"}).Response()
	assert.False(t, matched, "traversal must fall through, never serve")
}

func TestFileServerRejectsEscapeWithinMount(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "public")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeTestFile(t, dir, "secret.txt", "do not serve")

	r := New("/")
	r.FileServer("/static", sub)

	// "/static/%2e%2e/secret.txt" percent-decodes and resolves its dots
	// inside the matcher before the mount check, so it falls outside the
	// mount and never reaches the filesystem.
	_, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static/%2e%2e/secret.txt"}).Response()
	assert.False(t, matched, "encoded traversal must fall through, never serve")
}

func TestFileServerDirectoryRedirectsToDefault(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "index.html", "<html></html>")

	r := New("/")
	r.FileServer("/static", dir)

	res, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static"}).Response()
	require.True(t, matched)
	assert.Equal(t, StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/static/index.html", res.Header.Get("Location"))
}

func TestFileServerIfModifiedSinceReturns304(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", "data")

	r := New("/")
	r.FileServer("/static", dir)

	future := time.Now().Add(time.Hour).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	req := Request{Method: "GET", Path: "/static/a.txt", Header: NewHeader().Add("If-Modified-Since", future)}
	res, matched := r.Handler().Handle(req).Response()
	require.True(t, matched)
	assert.Equal(t, StatusNotModified, res.StatusCode)
}

func TestFileServerSkipsHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, ".secret", "hidden")

	r := New("/")
	r.FileServer("/static", dir)

	_, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static/.secret"}).Response()
	assert.False(t, matched)
}

func TestFileServerSkipsFilesUnderHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	writeTestFile(t, filepath.Join(dir, ".git"), "config", "secret")

	r := New("/")
	r.FileServer("/static", dir)

	// Any dotfile segment hides the whole subtree, not just a dotfile leaf.
	_, matched := r.Handler().Handle(Request{Method: "GET", Path: "/static/.git/config"}).Response()
	assert.False(t, matched)
}
