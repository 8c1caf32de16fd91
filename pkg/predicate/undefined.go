// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package predicate

// Undefined is the placeholder instance used when the server announces a
// predicate no registered factory can host yet. It does nothing on tick; the
// communicator retries the match on later passes and swaps the placeholder
// out once a factory appears.
type Undefined struct {
	Base
}

// NewUndefined builds a placeholder for def.
func NewUndefined(host Host, def Definition) *Undefined {
	return &Undefined{Base: NewBase(host, def)}
}

// Tick implements Statistic as a no-op.
func (u *Undefined) Tick() {}

// Definition exposes the stored definition so the communicator can retry
// matching it against newly registered factories.
func (u *Undefined) Definition() Definition { return u.Def }
