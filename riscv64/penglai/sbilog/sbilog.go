// Leveled logging for the Penglai PMP secure monitor
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sbilog provides the thin leveled-logging wrapper used across the
// penglai packages, in the same style as the rest of the firmware: a
// component-prefixed message through the standard log package, with no
// buffering or structured fields.
package sbilog

import "log"

// Level selects which messages reach the sink; messages below the
// configured Level are dropped before formatting.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var current = LevelInfo

// SetLevel changes the minimum level that will be logged.
func SetLevel(l Level) { current = l }

func logf(l Level, prefix, format string, args ...interface{}) {
	if l > current {
		return
	}

	log.Printf(prefix+format, args...)
}

func Errorf(format string, args ...interface{}) { logf(LevelError, "penglai: error: ", format, args...) }
func Warnf(format string, args ...interface{})  { logf(LevelWarn, "penglai: warn: ", format, args...) }
func Infof(format string, args ...interface{})  { logf(LevelInfo, "penglai: ", format, args...) }
func Debugf(format string, args ...interface{}) { logf(LevelDebug, "penglai: debug: ", format, args...) }
