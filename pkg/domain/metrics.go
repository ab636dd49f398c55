// Copyright 2025 The gVisor Authors.
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

package domain

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "gvisor.dev/iommu/pkg/domain"

var (
	meter = otel.GetMeterProvider().Meter(meterName)

	liveDomains = must(meter.Int64UpDownCounter("iommu.domain.live",
		metric.WithDescription("Number of mapping domains that have not been destroyed."),
		metric.WithUnit("{domain}")))
	mappedBytes = must(meter.Int64UpDownCounter("iommu.domain.mapped",
		metric.WithDescription("Bytes of IOVA space currently mapped."),
		metric.WithUnit("By")))
	allocFailures = must(meter.Int64Counter("iommu.domain.alloc.failures",
		metric.WithDescription("IOVA allocations that could not be satisfied."),
		metric.WithUnit("{allocation}")))
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func (d *Domain) attrs() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("domain", d.name))
}

func domainsCreated(d *Domain) {
	liveDomains.Add(context.Background(), 1, d.attrs())
}

func domainsDestroyed(d *Domain) {
	liveDomains.Add(context.Background(), -1, d.attrs())
}

func mappedBytesAdd(d *Domain, n int64) {
	mappedBytes.Add(context.Background(), n, d.attrs())
}

func allocFailuresAdd(d *Domain) {
	allocFailures.Add(context.Background(), 1, d.attrs())
}
