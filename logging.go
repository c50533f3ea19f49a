// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// Log is the logger used by this package.
// To change the log level use slog.SetLevel(&ktimer.Log, level).
var Log slog.Log = slog.New(slog.LNOTICE, slog.LOptNone, slog.LDefaultOut)

func DBGon() bool  { return Log.DBGon() }
func WARNon() bool { return Log.WARNon() }
func ERRon() bool  { return Log.ERRon() }

func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, "DBG: "+NAME+": ", f, a...)
}

func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, "WARNING: "+NAME+": ", f, a...)
}

func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, "ERROR: "+NAME+": ", f, a...)
}

func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "BUG: "+NAME+": ", f, a...)
}

// PANIC logs and halts. Used for corrupted state that cannot be
// recovered from (a broken wheel cannot be trusted for anything
// downstream either).
func PANIC(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "PANIC: "+NAME+": ", f, a...)
	panic(fmt.Sprintf(NAME+": "+f, a...))
}
