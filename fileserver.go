/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package serve

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kestrelhttp/serve/internal/pathmatch"
)

// FileServer mounts a sub-router at path that serves static files out of
// dir. Requests are mapped GET|HEAD /path/<rest> -> dir/<rest> after the
// mount path is stripped and the remainder is normalized. Paths that
// escape dir, or name a hidden file, never reach the filesystem; a
// directory request redirects (303) to the first existing name in
// defaults, or falls through if none exist.
func (r *Router) FileServer(path string, dir string, defaults ...string) *Router {
	if len(defaults) == 0 {
		defaults = []string{"index.html"}
	}
	mounted := pathmatch.Normalize(joinPath(r.mount, path))
	handler := RequestHandlerFunc(func(req Request) HandlerResult {
		if req.Method != "GET" && req.Method != "HEAD" {
			return Continue(req)
		}
		norm := pathmatch.Normalize(req.Path)
		if !withinMount(mounted, norm) {
			return Continue(req)
		}
		rel := strings.TrimPrefix(norm, strings.TrimSuffix(mounted, "/"))
		rel = strings.TrimPrefix(rel, "/")

		full := filepath.Join(dir, filepath.FromSlash(rel))
		if !strings.HasPrefix(full, filepath.Clean(dir)) {
			return Done(NewStatusResponse(StatusForbidden))
		}

		if isHidden(rel) {
			return Continue(req)
		}
		info, err := os.Stat(full)
		if err != nil {
			return Continue(req)
		}
		if info.IsDir() {
			for _, name := range defaults {
				candidate := filepath.Join(full, name)
				if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
					loc := strings.TrimSuffix(norm, "/") + "/" + name
					return Done(NewStatusResponse(StatusSeeOther).WithHeader("Location", loc))
				}
			}
			return Continue(req)
		}

		if ims := req.Header.Get("If-Modified-Since"); ims != "" {
			if t, err := http.ParseTime(ims); err == nil && !info.ModTime().After(t) {
				return Done(NewStatusResponse(StatusNotModified))
			}
		}

		f, err := os.Open(full)
		if err != nil {
			return Continue(req)
		}
		res := NewResponse(StatusOK).
			WithHeader("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat)).
			WithBody(SizedStreamEntity(f, info.Size()))
		if req.Method == "HEAD" {
			f.Close()
			res = res.WithBody(NoBody).WithHeader("Content-Length", strconv.FormatInt(info.Size(), 10))
		}
		return Done(res)
	})
	return r.Incoming(handler)
}

// isHidden reports whether any element of the slash-separated relative
// path begins with a dot, so a dotfile directory hides everything under it
// ("/.git/config" is as hidden as "/.secret").
func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
