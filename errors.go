// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package ktimer

import (
	"errors"
)

var ErrNotInitialized = errors.New("timer module not initialized")
var ErrInvalidPCPU = errors.New("invalid target pcpu")
var ErrInvalidGroup = errors.New("group does not belong to the target pcpu")
var ErrInvalidParameters = errors.New("invalid parameters")
var ErrPeriodTooSmall = errors.New("periodic timer period below minimum")
var ErrNoFreeTimers = errors.New("timer pool exhausted")
