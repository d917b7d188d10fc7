// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package telemetry

import "github.com/prometheus/client_golang/prometheus"

// ControlPlane is the metrics registry for the control plane process:
// event-quota admissions, HMAC rejection reasons, and command pull/ack
// counts.
type ControlPlane struct {
	EventQuotaTotal   *prometheus.CounterVec
	HMACRejectedTotal *prometheus.CounterVec
	CommandPullTotal  *prometheus.CounterVec
	CommandAckTotal   prometheus.Counter
}

// NewControlPlane builds and registers the control-plane metric set
// against its own private registry.
func NewControlPlane() (*ControlPlane, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c := &ControlPlane{
		EventQuotaTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafcontrol_event_quota_total",
			Help: "Event ingest admissions and rejections, by outcome",
		}, []string{"outcome"}),
		HMACRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafcontrol_hmac_rejected_total",
			Help: "Event/command requests rejected at HMAC verification, by reason",
		}, []string{"reason"}),
		CommandPullTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wafcontrol_command_pull_total",
			Help: "Command pull requests, by whether any commands were returned",
		}, []string{"outcome"}),
		CommandAckTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wafcontrol_command_ack_total",
			Help: "Command ack requests received",
		}),
	}
	reg.MustRegister(c.EventQuotaTotal, c.HMACRejectedTotal, c.CommandPullTotal, c.CommandAckTotal)
	return c, reg
}
