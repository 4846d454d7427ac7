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

package shm

// Status is the reply payload for GET_STATUS (spec.md §4.3) and the
// payload of the async state_changed event (spec.md §4.3.3).
type Status struct {
	State  State
	Alarms Alarms

	Clock string // interface/clock name

	LocalAccuracyNs float64
	Master          MasterMetadata

	// OffsetFromMasterNs is only meaningful outside LISTENING/FAULTY
	// (spec.md §8 invariant); callers must check State first.
	OffsetFromMasterNs float64

	ClusteringScore float64
	UserPriority    int

	Synchronized bool
}

// clusteringScore implements the placeholder formula SPEC_FULL.md §4.g
// assigns to the `clustering_score` field left unspecified by spec.md: 0
// whenever any alarm is set (the instance cannot be trusted as a
// clustering input), otherwise a value in [0,1] that grows linearly with
// consecutive good periods and saturates at 1 after 30 of them.
func clusteringScore(alarms Alarms, consecutiveGood int) float64 {
	if alarms != 0 {
		return 0
	}
	const saturationPeriods = 30
	score := float64(consecutiveGood) / saturationPeriods
	if score > 1 {
		score = 1
	}
	return score
}
