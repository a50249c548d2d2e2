// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package bufmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descQuotaUsed = iota
	descQuotaBudget
	descAcquisitions
	descAcquireFailures
	descSpillFiles
	descSpillBytesWritten
	descSpillBytesOnDisk
	descFaultRestoredBytes
	descFaults
	descFaultZeroFills
	descFaultErrors
)

var descriptors = []*prometheus.Desc{
	descQuotaUsed: prometheus.NewDesc(
		"bufmgr_quota_used_bytes",
		"Bytes currently charged against the quota.",
		nil, nil,
	),
	descQuotaBudget: prometheus.NewDesc(
		"bufmgr_quota_budget_bytes",
		"Configured quota.",
		nil, nil,
	),
	descAcquisitions: prometheus.NewDesc(
		"bufmgr_acquisitions_total",
		"Number of successfully acquired buffers.",
		nil, nil,
	),
	descAcquireFailures: prometheus.NewDesc(
		"bufmgr_acquire_failures_total",
		"Number of acquisitions refused for lack of quota.",
		nil, nil,
	),
	descSpillFiles: prometheus.NewDesc(
		"bufmgr_spill_files_written_total",
		"Number of spill files written.",
		nil, nil,
	),
	descSpillBytesWritten: prometheus.NewDesc(
		"bufmgr_spill_bytes_written_total",
		"Bytes written to spill files.",
		nil, nil,
	),
	descSpillBytesOnDisk: prometheus.NewDesc(
		"bufmgr_spill_bytes_on_disk",
		"Bytes held by live spill files.",
		nil, nil,
	),
	descFaultRestoredBytes: prometheus.NewDesc(
		"bufmgr_fault_restored_bytes_total",
		"Bytes restored from spill files into faulting buffers.",
		nil, nil,
	),
	descFaults: prometheus.NewDesc(
		"bufmgr_faults_total",
		"Number of page faults served.",
		nil, nil,
	),
	descFaultZeroFills: prometheus.NewDesc(
		"bufmgr_fault_zero_fills_total",
		"Number of page faults completed with zero pages.",
		nil, nil,
	),
	descFaultErrors: prometheus.NewDesc(
		"bufmgr_fault_errors_total",
		"Number of page faults that could not be served.",
		nil, nil,
	),
}

// collector exports the state of a Manager.
type collector struct {
	manager *Manager
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	m := c.manager
	spill := m.store.Stats()
	faults := m.servant.Stats()

	gauge := func(desc int, value uint64) {
		ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, float64(value))
	}
	counter := func(desc int, value uint64) {
		ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.CounterValue, float64(value))
	}

	gauge(descQuotaUsed, m.quota.Used())
	gauge(descQuotaBudget, m.quota.Budget())
	counter(descAcquisitions, m.acquisitions.Load())
	counter(descAcquireFailures, m.acquireFailures.Load())
	counter(descSpillFiles, spill.FilesWritten)
	counter(descSpillBytesWritten, spill.BytesWritten)
	gauge(descSpillBytesOnDisk, spill.BytesOnDisk)
	counter(descFaultRestoredBytes, faults.RestoredBytes)
	counter(descFaults, faults.Faults)
	counter(descFaultZeroFills, faults.ZeroFills)
	counter(descFaultErrors, faults.Errors)
}
