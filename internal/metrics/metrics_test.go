// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Processed(OutcomeOrderCreated)
	m.Processed(OutcomeOrderCreated)
	m.Processed(OutcomeSkipped)
	m.Failed(StageAI)
	m.OrdersCreated.WithLabelValues("parser").Inc()
	m.JobsRunning.Inc()
	m.ObserveAI(time.Now().Add(-time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EmailsProcessed.WithLabelValues(OutcomeOrderCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmailsProcessed.WithLabelValues(OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionErrors.WithLabelValues(StageAI)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsRunning))

	n, err := testutil.GatherAndCount(reg, "orderscan_ai_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNopIsIndependent(t *testing.T) {
	// Two Nop instances must not collide on registration.
	a, b := Nop(), Nop()
	a.Processed(OutcomeError)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EmailsProcessed.WithLabelValues(OutcomeError)))
}
