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

import "context"

// RunEventFeeders starts one goroutine per registered instance, each
// blocking on that instance's EventSource and forwarding what it reads
// into the Module's worker loop via DeliverEvent/DeliverEventError. This
// is the concrete realization of spec.md §5's "a worker suspends ...
// when waiting on its ... file-descriptor set": the suspension happens in
// the feeder, and the result is handed to the single owning worker as a
// message.
func (m *Module) RunEventFeeders(ctx context.Context) {
	for name, inst := range m.instances {
		go m.feedInstance(ctx, name, inst.eventSource)
	}
}

func (m *Module) feedInstance(ctx context.Context, name string, src EventSource) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			return
		default:
		}
		ev, err := src.Next(done)
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			m.DeliverEventError(name)
			continue
		}
		m.DeliverEvent(name, ev)
	}
}
