/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clockfeed

import "errors"

// Freshness-violation sentinels returned by Subscription reads and
// Feed.Compare, per spec.md §7's error taxonomy. Callers treat all of
// these as "skip this iteration".
var (
	// ErrAgain means the source has not produced a single sample yet.
	ErrAgain = errors.New("clockfeed: no sample produced yet")
	// ErrStale means a fresh sample was required (RequireFresh or
	// MaxAge) but is not yet available.
	ErrStale = errors.New("clockfeed: sample is stale")
	// ErrOverrun means the reader fell behind the ring and a newer
	// write already recycled the slot it was about to read.
	ErrOverrun = errors.New("clockfeed: reader overrun by writer")
	// ErrOwnerDead means the clock backing this subscription has been
	// removed from the feed and is pending reclamation.
	ErrOwnerDead = errors.New("clockfeed: clock source removed")
	// ErrNotFound means the subscription (or the clock passed to
	// Subscribe/RemoveClock) is not known to the feed at all.
	ErrNotFound = errors.New("clockfeed: clock not found")
	// ErrNoData completes the freshness taxonomy. No clockfeed operation
	// returns it: when a side of Compare has not produced a sample yet,
	// Compare returns that side's ErrAgain.
	ErrNoData = errors.New("clockfeed: no data available")
)
