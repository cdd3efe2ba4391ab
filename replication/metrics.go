// Copyright (C) 2026 dirsrvd contributors
// This file is part of dirsrvd
//
// dirsrvd is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// dirsrvd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with dirsrvd.  If not, see <https://www.gnu.org/licenses/>.

package replication

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	changesReplayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirsrvd",
		Subsystem: "replication",
		Name:      "changes_replayed_total",
		Help:      "Changes replayed to the consumer, per agreement.",
	}, []string{"agreement"})

	changesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirsrvd",
		Subsystem: "replication",
		Name:      "changes_skipped_total",
		Help:      "Changes skipped for the consumer, per agreement.",
	}, []string{"agreement"})

	sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirsrvd",
		Subsystem: "replication",
		Name:      "sessions_started_total",
		Help:      "Replication sessions started, per agreement.",
	}, []string{"agreement"})
)

func init() {
	prometheus.MustRegister(changesReplayed, changesSkipped, sessionsStarted)
}
