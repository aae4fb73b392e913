/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package wire

import (
	"io"

	kflate "github.com/klauspost/compress/flate"
	kgzip "github.com/klauspost/compress/gzip"
)

// GzipWriter wraps w so that writes are gzip-compressed. Gzip compression
// is meant to run on the encoder pool (background compression); the caller
// is responsible for scheduling Write/Close there.
func GzipWriter(w io.Writer) io.WriteCloser {
	return kgzip.NewWriter(w)
}

// DeflateWriter wraps w so that writes are deflate-compressed. Deflate
// runs synchronously on the writing goroutine, unlike gzip.
func DeflateWriter(w io.Writer) io.WriteCloser {
	fw, _ := kflate.NewWriter(w, kflate.DefaultCompression)
	return fw
}
